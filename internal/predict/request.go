// Package predict runs raster prediction jobs through an external command
// line and exposes them over HTTP.
package predict

import (
	"github.com/terrapredict/terrapredict/internal/pkg/security"
)

// Request is the body of POST /predict.
type Request struct {
	Model     string `json:"model"`
	LayerPath string `json:"layer_path"`
	Folder    string `json:"folder"`
}

// Validate checks that every field is present and that the model ID is a
// single path element.
func (r *Request) Validate() error {
	if err := security.ValidateModelID(r.Model); err != nil {
		return err
	}
	if err := security.ValidateLocation("layer_path", r.LayerPath); err != nil {
		return err
	}
	return security.ValidateLocation("folder", r.Folder)
}
