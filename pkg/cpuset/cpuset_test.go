// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package cpuset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/bitmask"
)

func TestFromMask(t *testing.T) {
	m, err := bitmask.Parse("f", 4)
	require.NoError(t, err)

	cset := FromMask(m)
	require.Equal(t, "0-3", cset.String())
}

func TestShortCompressesStride(t *testing.T) {
	cset := New(0, 2, 4, 6)
	require.Equal(t, "0-6:2", Short(cset))
}
