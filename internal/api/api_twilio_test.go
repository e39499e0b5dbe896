package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/O1Intake/internal/messaging"
	"github.com/BTreeMap/O1Intake/internal/twiliowhatsapp"
)

func postForm(env *testEnv, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestTwilioWebhookMounted(t *testing.T) {
	twilioService := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	env := newTestEnv(t, false, WithTwilioWebhook(twilioService.TwilioWebhookHandler))

	rr := postForm(env, "/webhook/twilio", url.Values{
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"I was selected for YC in 2019"},
		"MessageSid": {"SM42"},
	})
	assertHTTPStatus(t, http.StatusOK, rr.Code, "Twilio webhook")

	select {
	case resp := <-twilioService.Responses():
		if resp.From != "15551234567" || resp.ID != "SM42" {
			t.Errorf("unexpected inbound message: %+v", resp)
		}
	default:
		t.Fatal("expected inbound message on the responses channel")
	}
}

func TestTwilioWebhookAbsentByDefault(t *testing.T) {
	env := newTestEnv(t, false)
	rr := postForm(env, "/webhook/twilio", url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi"}})
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook not configured")
}
