// Copyright 2026 The gVisor Authors.
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

package tmpfs

import (
	"context"
	"fmt"
)

// DeviceFile is a character device node. Devices cannot be memory mapped.
type DeviceFile struct {
	name  string
	major uint32
	minor uint32
}

// Name implements Inode.Name.
func (d *DeviceFile) Name() string {
	return d.name
}

// Dev returns the device number of d.
func (d *DeviceFile) Dev() (major, minor uint32) {
	return d.major, d.minor
}

// String implements fmt.Stringer.
func (d *DeviceFile) String() string {
	return fmt.Sprintf("%s (char %d:%d)", d.name, d.major, d.minor)
}

func (d *DeviceFile) release(context.Context) {}
