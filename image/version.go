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

package image

import (
	"github.com/gx-org/accrt/errs"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

// CheckVersion returns an error if the format version of an image is older than minVersion.
func CheckVersion(img *Image, minVersion string) error {
	if !semver.IsValid(minVersion) {
		return errors.Errorf("invalid minimum image version %q", minVersion)
	}
	version := img.Version()
	if semver.Compare(version, minVersion) < 0 {
		return errors.Wrapf(errs.ErrHeader, "image format %s is older than %s", version, minVersion)
	}
	return nil
}
