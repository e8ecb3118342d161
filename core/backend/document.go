package backend

// wire document shapes

// document is a successful top-level JSON:API document. Data is always
// present, even when empty.
type document struct {
	JSONAPI  map[string]string      `json:"jsonapi"`
	Data     interface{}            `json:"data"`
	Included []*resourceObject      `json:"included,omitempty"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
	Links    map[string]string      `json:"links,omitempty"`
}

// resourceObject is one serialized resource.
type resourceObject struct {
	Type          string                         `json:"type"`
	ID            string                         `json:"id,omitempty"`
	Attributes    map[string]interface{}         `json:"attributes,omitempty"`
	Relationships map[string]*relationshipObject `json:"relationships,omitempty"`
	Links         map[string]string              `json:"links,omitempty"`
	Meta          map[string]interface{}         `json:"meta,omitempty"`
}

// relationshipObject is one relationship entry of a resource object. Data is
// a pointer so that "data": null can be distinguished from an absent data
// member.
type relationshipObject struct {
	Links map[string]string      `json:"links,omitempty"`
	Data  *interface{}           `json:"data,omitempty"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

// resourceIdentifier is a type/id pair.
type resourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func newDocument(data interface{}) *document {
	return &document{
		JSONAPI: map[string]string{"version": "1.0"},
		Data:    data,
	}
}
