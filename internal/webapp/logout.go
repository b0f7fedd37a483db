package webapp

import (
	"net/http"

	"nuha.dev/gpsagent/internal/util"
	"nuha.dev/gpsagent/internal/webapp/common"
)

func (api *Api) Logout(w http.ResponseWriter, r *http.Request) {
	err := api.ctl.Logout(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	util.JsonWrite(w, common.BasicResponse{Status: 0})
}
