package jsonutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
	"github.com/deploymenttheory/go-license-engine/internal/common/fsutil"
)

// Encode writes v to w as indented JSON.
func Encode(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return nil
}

// WriteJSONFile writes v to a JSON file with indentation
func WriteJSONFile(path string, v interface{}, perm os.FileMode) error {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrFileWriteError, err.Error())
	}
	return fsutil.WriteFile(path, append(jsonData, '\n'), perm)
}

// ReadJSONFile reads a JSON file and unmarshals its contents into v
func ReadJSONFile(path string, v interface{}) error {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrUnsupportedFile, err.Error())
	}
	return nil
}
