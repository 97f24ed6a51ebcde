// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
)

func TestCreateReturnsRetryWhileScanning(t *testing.T) {
	svc := New(errand.New(nil), logrus.WithField("test", t.Name()))

	// one device has been found but its scan has not finished yet
	svc.available = 1

	_, err := svc.Create(1, "SOMEDISK")
	assert.True(t, ahci.IsKind(err, ahci.Retry))
}

func TestCreateReturnsNotFoundAfterScan(t *testing.T) {
	svc := New(errand.New(nil), logrus.WithField("test", t.Name()))

	_, err := svc.Create(1, "SOMEDISK")
	assert.True(t, ahci.IsKind(err, ahci.NotFound))
}
