package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func ConvertToJSON(data interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(bytes), nil
}

func ParseJSON[T any](blob datatypes.JSON) (T, error) {
	var out T
	if len(blob) == 0 {
		return out, nil
	}
	err := json.Unmarshal(blob, &out)
	return out, err
}
