package api_test

import (
	"net/http/httptest"
	"testing"

	"github.com/postopcare/followup/internal/models"
	"github.com/postopcare/followup/internal/testutil"
)

func TestHealthEndpoint(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "GET", "/health", nil))

	testutil.AssertHTTPStatus(t, 200, rr.Code, "health check")
	testutil.AssertJSONResponse(t, rr, models.StatusOK)
}

func TestInviteLaunchesCycle(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()
	testutil.SeedClinicalData(t, env.Store, "5511999998888", 1)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "POST", "/v1/followups/invite", map[string]interface{}{
		"address":      "whatsapp:+5511999998888",
		"patient_id":   "pat-1",
		"follow_up_id": "fu-1",
		"template_id":  "postop_followup_invite",
		"params":       map[string]string{"patient_name": "Maria", "day_number": "1"},
		"locale":       "pt_BR",
	}))

	testutil.AssertHTTPStatus(t, 200, rr.Code, "invite")
	testutil.AssertJSONResponse(t, rr, models.StatusOK)

	if len(env.Transport.SentTemplates) != 1 {
		t.Fatalf("expected 1 template send, got %d", len(env.Transport.SentTemplates))
	}
	sent := env.Transport.SentTemplates[0]
	if sent.ContentSID != "postop_followup_invite" || sent.Params["patient_name"] != "Maria" {
		t.Errorf("unexpected template send %+v", sent)
	}

	// The conversation is now armed for answers.
	live, err := env.Engine.Gate.IsAwaitingQuestionnaire("5511999998888")
	if err != nil || !live {
		t.Errorf("expected live invitation after invite, got %v (err %v)", live, err)
	}
}

func TestInviteValidation(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing follow-up id", map[string]interface{}{
			"address": "5511999998888", "template_id": "tpl",
		}},
		{"missing template id", map[string]interface{}{
			"address": "5511999998888", "follow_up_id": "fu-1",
		}},
		{"invalid recipient", map[string]interface{}{
			"address": "not-a-number", "follow_up_id": "fu-1", "template_id": "tpl",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "POST", "/v1/followups/invite", tt.body))

			testutil.AssertHTTPStatus(t, 400, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, models.StatusError)
		})
	}

	if len(env.Transport.SentTemplates) != 0 {
		t.Errorf("no templates should be sent for rejected requests: %v", env.Transport.SentTemplates)
	}
}

func TestInviteRejectsMalformedJSON(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()

	req := httptest.NewRequest("POST", "/v1/followups/invite", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, 400, rr.Code, "empty body")
}

func TestFollowUpResponseLookup(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "GET", "/v1/followups/fu-1/response", nil))
	testutil.AssertHTTPStatus(t, 404, rr.Code, "no response recorded")

	pain := 3
	if err := env.Store.UpsertFollowUpResponse(models.FollowUpResponse{
		FollowUpID: "fu-1",
		PatientID:  "pat-1",
		PainAtRest: &pain,
		RiskLevel:  models.RiskMedium,
	}); err != nil {
		t.Fatalf("UpsertFollowUpResponse failed: %v", err)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "GET", "/v1/followups/fu-1/response", nil))
	testutil.AssertHTTPStatus(t, 200, rr.Code, "recorded response")
	body := testutil.AssertJSONResponse(t, rr, models.StatusOK)

	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing result payload: %v", body)
	}
	if result["risk_level"] != "medium" {
		t.Errorf("risk level = %v, want medium", result["risk_level"])
	}
	if result["pain_at_rest"] != float64(3) {
		t.Errorf("pain at rest = %v, want 3", result["pain_at_rest"])
	}
}

func TestConversationStatus(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()
	testutil.SeedClinicalData(t, env.Store, "5511999998888", 1)

	// Before any invitation.
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "GET", "/v1/conversations/5511999998888", nil))
	testutil.AssertHTTPStatus(t, 200, rr.Code, "status before invite")
	body := testutil.AssertJSONResponse(t, rr, models.StatusOK)
	result := body["result"].(map[string]interface{})
	if result["awaiting_questionnaire"] != false {
		t.Errorf("expected no live invitation, got %v", result)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "POST", "/v1/followups/invite", map[string]interface{}{
		"address": "5511999998888", "patient_id": "pat-1", "follow_up_id": "fu-1", "template_id": "tpl",
	}))
	testutil.AssertHTTPStatus(t, 200, rr.Code, "invite")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, testutil.CreateHTTPRequest(t, "GET", "/v1/conversations/5511999998888", nil))
	testutil.AssertHTTPStatus(t, 200, rr.Code, "status after invite")
	body = testutil.AssertJSONResponse(t, rr, models.StatusOK)
	result = body["result"].(map[string]interface{})
	if result["awaiting_questionnaire"] != true {
		t.Errorf("expected live invitation, got %v", result)
	}
	if result["follow_up_id"] != "fu-1" {
		t.Errorf("follow-up id = %v, want fu-1", result["follow_up_id"])
	}
}

func TestWebhookRouteMounted(t *testing.T) {
	env := testutil.NewTestEnv()
	router := env.Server.Router()

	req := httptest.NewRequest("POST", "/webhook/twilio", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// Empty form means missing fields, not a missing route.
	testutil.AssertHTTPStatus(t, 400, rr.Code, "webhook with empty form")
}
