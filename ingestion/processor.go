// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ingestion

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/poiesic/kgraph/core"
)

const defaultMimeType = "application/octet-stream"

// rawItem is an IngestItem with its bytes loaded.
type rawItem struct {
	content   []byte
	hash      string
	label     string
	mimeType  string
	extension string
}

// readItem loads the bytes of item and fills in its metadata. A missing file
// is the caller's mistake and is reported as a validation error.
func readItem(item core.IngestItem) (*rawItem, error) {
	raw := &rawItem{label: item.Label, mimeType: item.MimeType}
	if item.Text != "" {
		raw.content = []byte(item.Text)
		raw.extension = ".txt"
		if raw.mimeType == "" {
			raw.mimeType = "text/plain"
		}
	} else {
		content, err := os.ReadFile(item.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.NewValidationError("path", fmt.Sprintf("%s does not exist", item.Path))
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", item.Path, err)
		}
		raw.content = content
		raw.extension = strings.ToLower(filepath.Ext(item.Path))
		if raw.label == "" {
			raw.label = filepath.Base(item.Path)
		}
		if raw.mimeType == "" {
			raw.mimeType = mime.TypeByExtension(raw.extension)
		}
		if raw.mimeType == "" {
			raw.mimeType = defaultMimeType
		}
	}
	raw.hash = core.ContentHash(raw.content)
	return raw, nil
}
