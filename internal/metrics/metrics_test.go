package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベル値のメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name, labelValue string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	t.Fatalf("metric %s{%q} not found", name, labelValue)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSessionCheck_CountsPerOutcome は理由ごとに別のカウンタが増加することを検証する。
func TestRecordSessionCheck_CountsPerOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionCheck("authenticated")
	c.RecordSessionCheck("expired")
	c.RecordSessionCheck("expired")
	c.RecordSessionCheck("revoked")

	if v := findMetric(t, reg, "prepwiser_session_checks_total", "expired").GetCounter().GetValue(); v != 2 {
		t.Errorf("expired = %v, want 2", v)
	}
	if v := findMetric(t, reg, "prepwiser_session_checks_total", "authenticated").GetCounter().GetValue(); v != 1 {
		t.Errorf("authenticated = %v, want 1", v)
	}
	if v := findMetric(t, reg, "prepwiser_session_checks_total", "revoked").GetCounter().GetValue(); v != 1 {
		t.Errorf("revoked = %v, want 1", v)
	}
}

// TestRecordSignUpAndSignIn はサインアップ・サインインの結果が記録されることを検証する。
func TestRecordSignUpAndSignIn(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignUp("success")
	c.RecordSignIn("AUTHENTICATION_FAILED")

	if v := findMetric(t, reg, "prepwiser_sign_ups_total", "success").GetCounter().GetValue(); v != 1 {
		t.Errorf("sign_ups{success} = %v, want 1", v)
	}
	if v := findMetric(t, reg, "prepwiser_sign_ins_total", "AUTHENTICATION_FAILED").GetCounter().GetValue(); v != 1 {
		t.Errorf("sign_ins{AUTHENTICATION_FAILED} = %v, want 1", v)
	}
}

// TestRecordProviderLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordProviderLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderLatency("verify_session", 150*time.Millisecond)
	c.RecordProviderLatency("verify_session", 250*time.Millisecond)

	h := findMetric(t, reg, "prepwiser_identity_provider_latency_seconds", "verify_session").GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if sum := h.GetSampleSum(); sum < 0.39 || sum > 0.41 {
		t.Errorf("sample sum = %v, want ~0.4", sum)
	}
}

// TestRecordHTTPStatus_UsesStatusLabel はステータスコードがラベルとして記録されることを検証する。
func TestRecordHTTPStatus_UsesStatusLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(http.StatusSeeOther)

	if v := findMetric(t, reg, "prepwiser_http_status_total", "303").GetCounter().GetValue(); v != 1 {
		t.Errorf("http_status{303} = %v, want 1", v)
	}
}

// TestHandler_ServesMetrics はスクレイプ用ハンドラーがメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSessionCheck("missing")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `prepwiser_session_checks_total{outcome="missing"} 1`) {
		t.Errorf("response should contain session check metric, got:\n%s", body)
	}
}
