package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/profiles"
)

// Profiles is the profile store, injected from main.
var Profiles *profiles.Store

type createProfileRequest struct {
	Profile struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		AuthMethod string `json:"authMethod"`
	} `json:"profile"`
	Credentials struct {
		Password   string `json:"password"`
		PrivateKey string `json:"privateKey"`
		Passphrase string `json:"passphrase"`
	} `json:"credentials"`
}

type updateProfileRequest struct {
	Name     *string `json:"name"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Username *string `json:"username"`
}

func ListProfiles(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	rows, err := Profiles.List(user.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []database.SSHProfile{}
	}
	writeSuccess(w, http.StatusOK, rows)
}

func CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user := middleware.GetUser(r)
	profile, err := Profiles.Create(user.ID, profiles.CreateInput{
		Name:     req.Profile.Name,
		Host:     req.Profile.Host,
		Port:     req.Profile.Port,
		Username: req.Profile.Username,
		Credentials: profiles.Credentials{
			AuthMethod: req.Profile.AuthMethod,
			Password:   req.Credentials.Password,
			PrivateKey: req.Credentials.PrivateKey,
			Passphrase: req.Credentials.Passphrase,
		},
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, profile)
}

func UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user := middleware.GetUser(r)
	profile, err := Profiles.Update(user.ID, chi.URLParam(r, "id"), profiles.UpdateInput{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, profile)
}

func DeleteProfile(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if err := Profiles.Delete(user.ID, chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"ok": true})
}
