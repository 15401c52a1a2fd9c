package serp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Shape tags which layout a provider result arrived in.
type Shape int

const (
	ShapeEmpty Shape = iota
	ShapeSingle
	ShapeList
)

func (s Shape) String() string {
	switch s {
	case ShapeSingle:
		return "single"
	case ShapeList:
		return "list"
	default:
		return "empty"
	}
}

// Container is one provider result block holding ranked items.
type Container struct {
	Keyword      string            `json:"keyword"`
	LocationCode int               `json:"location_code"`
	Items        []json.RawMessage `json:"items"`
}

// ResultSet is the decoded payload: exactly one of Single or List is
// meaningful, selected by Shape.
type ResultSet struct {
	Shape  Shape
	Single Container
	List   []Container
}

// Containers flattens the union into a slice.
func (r ResultSet) Containers() []Container {
	switch r.Shape {
	case ShapeSingle:
		return []Container{r.Single}
	case ShapeList:
		return r.List
	default:
		return nil
	}
}

type envelope struct {
	Items  json.RawMessage   `json:"items"`
	Result json.RawMessage   `json:"result"`
	Tasks  []json.RawMessage `json:"tasks"`
}

// Decode adapts the raw payload into a ResultSet. Accepted layouts: a
// container object ({"items": [...]}), an array of containers, a task
// object whose "result" holds either, or a response whose "tasks" hold
// task objects. Anything else decodes to ShapeEmpty.
func Decode(raw []byte) (ResultSet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ResultSet{Shape: ShapeEmpty}, nil
	}

	switch raw[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return ResultSet{}, fmt.Errorf("decode result list: %w", err)
		}
		var list []Container
		for _, e := range elems {
			rs, err := Decode(e)
			if err != nil {
				return ResultSet{}, err
			}
			list = append(list, rs.Containers()...)
		}
		return fromList(list), nil

	case '{':
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return ResultSet{}, fmt.Errorf("decode result object: %w", err)
		}
		switch {
		case env.Items != nil:
			var c Container
			if err := json.Unmarshal(raw, &c); err != nil {
				return ResultSet{}, fmt.Errorf("decode result container: %w", err)
			}
			return ResultSet{Shape: ShapeSingle, Single: c}, nil
		case env.Result != nil:
			return Decode(env.Result)
		case env.Tasks != nil:
			var list []Container
			for _, task := range env.Tasks {
				rs, err := Decode(task)
				if err != nil {
					return ResultSet{}, err
				}
				list = append(list, rs.Containers()...)
			}
			return fromList(list), nil
		}
		return ResultSet{Shape: ShapeEmpty}, nil
	}
	return ResultSet{}, fmt.Errorf("decode result: unexpected token %q", raw[0])
}

func fromList(list []Container) ResultSet {
	if len(list) == 0 {
		return ResultSet{Shape: ShapeEmpty}
	}
	return ResultSet{Shape: ShapeList, List: list}
}
