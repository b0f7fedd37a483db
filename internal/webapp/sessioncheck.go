package webapp

import (
	"net/http"

	"nuha.dev/gpsagent/internal/util"
	"nuha.dev/gpsagent/internal/viewctl"
)

type sessionCheckResponse struct {
	Status bool              `json:"status"`
	State  viewctl.ViewState `json:"state"`
}

// SessionCheck reports whether the agent holds a session.
func (api *Api) SessionCheck(w http.ResponseWriter, r *http.Request) {
	snap := api.ctl.Snapshot()
	util.JsonWrite(w, sessionCheckResponse{Status: snap.State != viewctl.LoggedOut, State: snap.State})
}
