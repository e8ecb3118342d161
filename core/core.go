package core

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Operation represents a resource operation, one of Create, Read, Update, Delete, List
type Operation string

// all supported resource operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// OperationForMethod returns the operation implied by an HTTP method.
// GET maps to List when no id is given, otherwise to Read.
func OperationForMethod(method string, hasID bool) Operation {
	switch method {
	case http.MethodPost:
		return OperationCreate
	case http.MethodPatch, http.MethodPut:
		return OperationUpdate
	case http.MethodDelete:
		return OperationDelete
	default:
		if hasID {
			return OperationRead
		}
		return OperationList
	}
}
