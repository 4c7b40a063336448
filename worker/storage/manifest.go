package storage

import (
	"context"
	"encoding/json"
)

// Manifest enumerates the artifacts a work unit produced. The orchestration
// side reads it to learn the output set when that set is not fixed up front.
type Manifest struct {
	Files []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Name       string `json:"name"`
	IndexLabel string `json:"index_label"`
}

func (u *Uploader) PutManifest(ctx context.Context, key string, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return u.Put(ctx, key, "application/json", data)
}
