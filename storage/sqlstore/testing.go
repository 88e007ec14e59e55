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

package sqlstore

import (
	"context"
	"path/filepath"
)

// OpenTemp opens a SQLite record store in dir with migrations applied.
// This is useful for testing; the caller closes the store and owns dir.
func OpenTemp(ctx context.Context, dir string) (*Store, error) {
	return Open(ctx, Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(dir, "kgraph.db"),
	})
}
