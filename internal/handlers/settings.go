package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/database"
)

// settableKeys whitelists the settings the admin API may touch.
var settableKeys = map[string]bool{
	"session_image": true,
	"session_shell": true,
}

// GetSettings returns the admin-settable settings and their current values.
func GetSettings(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(settableKeys))
	for key := range settableKeys {
		out[key] = database.GetSettingOr(key, "")
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateSetting sets one whitelisted setting. An empty value falls back to
// the environment-derived default.
func UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settableKeys[key] {
		writeError(w, http.StatusNotFound, "Unknown setting")
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var err error
	if body.Value == "" {
		err = database.DeleteSetting(key)
	} else {
		err = database.SetSetting(key, body.Value)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: body.Value})
}
