package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type AreaKind int

const (
	AreaNone AreaKind = iota
	AreaNamed
	AreaCodeOnly
)

// AdminArea is an administrative subdivision reference. Upstream sources
// ship it either as an object carrying a resolved name or as a bare code
// string, so the two shapes are kept apart instead of being probed at
// display time.
type AdminArea struct {
	Kind AreaKind `json:"-"`
	Code string   `json:"-"`
	Name string   `json:"-"`
}

func NamedArea(code, name string) AdminArea {
	return AdminArea{Kind: AreaNamed, Code: code, Name: name}
}

func CodeOnlyArea(code string) AdminArea {
	if code == "" {
		return AdminArea{}
	}
	return AdminArea{Kind: AreaCodeOnly, Code: code}
}

func (a AdminArea) IsZero() bool { return a.Kind == AreaNone }

// Display returns the string to show for this area: the resolved name when
// there is one, the bare code otherwise.
func (a AdminArea) Display() string {
	switch a.Kind {
	case AreaNamed:
		return a.Name
	case AreaCodeOnly:
		return a.Code
	default:
		return ""
	}
}

func (a AdminArea) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case AreaNamed:
		return json.Marshal(struct {
			Code string `json:"code,omitempty"`
			Name string `json:"name"`
		}{Code: a.Code, Name: a.Name})
	case AreaCodeOnly:
		return json.Marshal(a.Code)
	default:
		return []byte("null"), nil
	}
}

func (a *AdminArea) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = AdminArea{}
		return nil
	}
	switch data[0] {
	case '"':
		var code string
		if err := json.Unmarshal(data, &code); err != nil {
			return fmt.Errorf("admin area string: %w", err)
		}
		*a = CodeOnlyArea(code)
		return nil
	case '{':
		var obj struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("admin area object: %w", err)
		}
		if obj.Name != "" {
			*a = NamedArea(obj.Code, obj.Name)
		} else {
			*a = CodeOnlyArea(obj.Code)
		}
		return nil
	default:
		// some feeds emit numeric admin codes
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("admin area: unsupported shape %q", data)
		}
		*a = CodeOnlyArea(n.String())
		return nil
	}
}
