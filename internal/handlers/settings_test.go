package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSettingsServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	old := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = old })

	r := chi.NewRouter()
	r.Get("/settings", GetSettings)
	r.Put("/settings/{key}", UpdateSetting)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func putSetting(t *testing.T, srv *httptest.Server, key, value string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/settings/"+key,
		strings.NewReader(`{"value":"`+value+`"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return resp
}

func TestUpdateAndGetSettings(t *testing.T) {
	srv := newSettingsServer(t)

	resp := putSetting(t, srv, "session_image", "termgate/session:v2")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/settings")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	var got map[string]string
	if err := json.NewDecoder(getResp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["session_image"] != "termgate/session:v2" {
		t.Errorf("session_image = %q", got["session_image"])
	}
	if got["session_shell"] != "" {
		t.Errorf("session_shell = %q, want unset", got["session_shell"])
	}
}

func TestUpdateSettingRejectsUnknownKey(t *testing.T) {
	srv := newSettingsServer(t)

	resp := putSetting(t, srv, "admin_token", "sneaky")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateSettingEmptyValueClears(t *testing.T) {
	srv := newSettingsServer(t)

	putSetting(t, srv, "session_shell", "/bin/zsh").Body.Close()
	if v := database.GetSettingOr("session_shell", "fallback"); v != "/bin/zsh" {
		t.Fatalf("setting not stored: %q", v)
	}

	putSetting(t, srv, "session_shell", "").Body.Close()
	if v := database.GetSettingOr("session_shell", "fallback"); v != "fallback" {
		t.Errorf("cleared setting = %q, want fallback", v)
	}
}
