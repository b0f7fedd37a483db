package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/gate"
	"nuha.dev/gpsagent/internal/roster"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/util"
	"nuha.dev/gpsagent/internal/viewctl"
	"nuha.dev/gpsagent/internal/webapp/common"
)

// Dispatcher calls functions of the form
// func(ctx, *Req, *Res) error or func(ctx, *Res) error by name.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

func NewDispatcher(vld *validator.Validate) *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = vld
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	_func, ok := disp.funcs[funcname]
	if !ok {
		http.Error(w, fmt.Sprintf("function \"%s\" not found", funcname), http.StatusNotFound)
		return
	}
	disp.call(_func, r, w)
}

func (disp *Dispatcher) call(_func _function, r *http.Request, w http.ResponseWriter) {
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	ctx := r.Context()
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), response})
	}
	if !err_ref[0].IsNil() {
		writeError(w, err_ref[0].Interface().(error))
		return
	}
	util.JsonWrite(w, response.Interface())
}

func (disp *Dispatcher) Add(funcname string, f interface{}) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	if s.handler.Type().NumIn() == 2 {
		s.reqType = nil
		s.resType = s.handler.Type().In(1).Elem()
	} else {
		s.reqType = s.handler.Type().In(1).Elem()
		s.resType = s.handler.Type().In(2).Elem()
	}
	disp.funcs[funcname] = s
}

func statusOf(err error) int {
	var authErr *gate.AuthError
	var pollErr *roster.PollError
	switch {
	case viewctl.IsTransitionError(err):
		return http.StatusConflict
	case errors.Is(err, roster.ErrNoGroup):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNoSession), errors.Is(err, viewctl.ErrSessionIncomplete):
		return http.StatusUnauthorized
	case errors.As(err, &pollErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("control function failed")
	}
	util.JsonWriteStatus(w, code, common.BasicResponse{Status: -1, Message: err.Error()})
}
