package webapp

import (
	"encoding/json"
	"net/http"
	"time"

	"nuha.dev/gpsagent/internal/util"
)

type LoginRequest struct {
	Host     string `json:"host" validate:"required"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Status       int        `json:"status"`
	Host         string     `json:"host"`
	AccessExpiry *time.Time `json:"access_expiry,omitempty"`
}

func (api *Api) Login(w http.ResponseWriter, r *http.Request) {
	req_body := LoginRequest{}
	err := json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = api.vld.Struct(req_body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = api.ctl.Login(r.Context(), req_body.Host, req_body.Username, req_body.Password)
	if err != nil {
		api.log.Info().Str("username", req_body.Username).Err(err).Msg("login failed")
		writeError(w, err)
		return
	}
	snap := api.ctl.Snapshot()
	util.JsonWrite(w, LoginResponse{Status: 0, Host: snap.Host, AccessExpiry: snap.AccessExpiry})
}
