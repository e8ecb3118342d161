package backend

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/okapi-tech/okapi/core/logger"
)

// error titles, one per taxonomy class
const (
	titleNotFound          = "Not Found"
	titleMethodNotAllowed  = "Method Not Allowed"
	titleInvalidParameter  = "Invalid Query Parameter"
	titleInvalidStructure  = "Invalid JSON:API Document Structure"
	titleInvalidInput      = "Invalid Input"
	titleConflict          = "Conflict"
	titleInternal          = "Internal Server Error"
	titleNotImplemented    = "Not Implemented"
	detailNotFound         = "The requested resource can not be found."
	detailInternal         = "An internal server error has occurred."
	detailNotImplementedRe = "Relationship modification is not implemented."
)

// ErrorObject is one error of a JSON:API errors document.
type ErrorObject struct {
	Status string       `json:"status,omitempty"`
	Code   string       `json:"code,omitempty"`
	Title  string       `json:"title,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
}

// ErrorSource locates the origin of an error in the request.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

type errorDocument struct {
	JSONAPI map[string]string `json:"jsonapi"`
	Errors  []ErrorObject     `json:"errors"`
}

func writeErrors(w http.ResponseWriter, status int, errs ...ErrorObject) {
	for i := range errs {
		if errs[i].Status == "" {
			errs[i].Status = strconv.Itoa(status)
		}
	}
	doc := errorDocument{
		JSONAPI: map[string]string{"version": "1.0"},
		Errors:  errs,
	}
	jsonData, _ := json.MarshalWithOption(doc, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeNotFound(w http.ResponseWriter) {
	writeErrors(w, http.StatusNotFound, ErrorObject{
		Title:  titleNotFound,
		Detail: detailNotFound,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter, method string) {
	writeErrors(w, http.StatusMethodNotAllowed, ErrorObject{
		Title:  titleMethodNotAllowed,
		Detail: method + " is not allowed for this resource.",
	})
}

func writeNotImplemented(w http.ResponseWriter) {
	writeErrors(w, http.StatusNotImplemented, ErrorObject{
		Title:  titleNotImplemented,
		Detail: detailNotImplementedRe,
	})
}

func writeConflict(w http.ResponseWriter, detail string) {
	writeErrors(w, http.StatusConflict, ErrorObject{
		Title:  titleConflict,
		Detail: detail,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).WithError(err).Error("internal server error")
	writeErrors(w, http.StatusInternalServerError, ErrorObject{
		Title:  titleInternal,
		Detail: detailInternal,
	})
}

// parameterViolation builds one invalid-query-parameter error.
func parameterViolation(parameter, detail string) ErrorObject {
	return ErrorObject{
		Title:  titleInvalidParameter,
		Detail: detail,
		Source: &ErrorSource{Parameter: parameter},
	}
}

// structureViolation builds one malformed-document-structure error.
func structureViolation(pointer, detail string) ErrorObject {
	return ErrorObject{
		Title:  titleInvalidStructure,
		Detail: detail,
		Source: &ErrorSource{Pointer: pointer},
	}
}

// inputViolation builds one constraint-violation error.
func inputViolation(pointer, detail string) ErrorObject {
	return ErrorObject{
		Title:  titleInvalidInput,
		Detail: detail,
		Source: &ErrorSource{Pointer: pointer},
	}
}
