package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/teamsync/internal/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) (ErrorResponseBody, map[string]any) {
	t.Helper()
	var body ErrorResponseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body, raw
}

// TestWriteErrorResponse_SyncErrors は同期系エラーのステータス・カテゴリ・再実行可否を検証する。
func TestWriteErrorResponse_SyncErrors(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		apiErr      *model.APIError
		category    string
		integration string
		retryable   bool
	}{
		{"Frozen", http.StatusForbidden, model.NewTeamFrozenError("請求未払い"), model.CategorySync, "", false},
		{"UnknownIntegration", http.StatusNotFound, model.NewUnknownIntegrationError("Jira"), model.CategoryValidation, "Jira", false},
		{"MissingCredentials", http.StatusBadRequest, model.NewMissingCredentialsError("GitHub"), model.CategoryValidation, "GitHub", false},
		{"SyncFailed", http.StatusBadGateway, model.NewSyncFailedError("upstream 503").ForIntegration("GitHub"), model.CategorySync, "GitHub", true},
		{"InvalidMonth", http.StatusBadRequest, model.NewInvalidMonthError("2024-13"), model.CategoryValidation, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			if w.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.statusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}

			body, raw := decodeErrorBody(t, w)
			if body.Code != tt.apiErr.Code {
				t.Errorf("code = %q, want %q", body.Code, tt.apiErr.Code)
			}
			if body.Category != tt.category {
				t.Errorf("category = %q, want %q", body.Category, tt.category)
			}
			if body.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", body.Retryable, tt.retryable)
			}
			if tt.integration == "" {
				if _, ok := raw["integration"]; ok {
					t.Error("連携に紐づかないエラーにintegrationを含めてはいけません")
				}
			} else if body.Integration != tt.integration {
				t.Errorf("integration = %q, want %q", body.Integration, tt.integration)
			}
			for _, field := range []string{"code", "message", "category", "action", "retryable"} {
				if _, ok := raw[field]; !ok {
					t.Errorf("missing required field: %s", field)
				}
			}
		})
	}
}

// TestForIntegration_DoesNotMutateOriginal は連携名の付与が元のエラー値を変更しないことを検証する。
func TestForIntegration_DoesNotMutateOriginal(t *testing.T) {
	base := model.NewSyncFailedError("timeout")
	tagged := base.ForIntegration("GitHub")

	if base.Integration != "" {
		t.Errorf("元のエラーに連携名が設定されています: %q", base.Integration)
	}
	if tagged.Integration != "GitHub" || tagged.Code != model.ErrCodeSyncFailed {
		t.Errorf("tagged = %+v", tagged)
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body, _ := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeInternalServerError {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternalServerError)
	}
	if body.Category != model.CategorySystem {
		t.Errorf("category = %q, want %q", body.Category, model.CategorySystem)
	}
	if !body.Retryable {
		t.Error("内部エラーは再実行可能として返すべきです")
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}
