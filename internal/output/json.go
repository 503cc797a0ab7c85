package output

import (
	"encoding/json"

	"github.com/mtikkanen/tcpwatch/pkg/model"
)

func ToJSON(snap *model.Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
