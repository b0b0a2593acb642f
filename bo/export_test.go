// Copyright 2025 Google LLC
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

package bo

import "github.com/gx-org/accrt/internal/export"

// SetExportPlatform replaces the export platform until the returned function is called.
func SetExportPlatform(p export.Platform) (restore func()) {
	prev := exportPlatform
	exportPlatform = p
	return func() { exportPlatform = prev }
}
