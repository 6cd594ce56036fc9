/*
Copyright 2026 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/backoffice/lib/backend"
	"github.com/gravitational/backoffice/lib/services"
)

const (
	devicesPrefix         = "devices"
	deviceItemsPrefix     = "items"
	deviceRotationsPrefix = "rotations"
)

// DeviceService persists device key records and their rotation history.
type DeviceService struct {
	backend backend.Backend
}

// NewDeviceService returns a device store.
func NewDeviceService(b backend.Backend) *DeviceService {
	return &DeviceService{backend: b}
}

func deviceKey(id string) []byte {
	return backend.Key(devicesPrefix, deviceItemsPrefix, id)
}

// rotationKey sorts chronologically per device.
func rotationKey(deviceID string, record services.RotationRecord) []byte {
	return backend.Key(devicesPrefix, deviceRotationsPrefix, deviceID,
		fmt.Sprintf("%020d_%s", record.RotatedAt.UnixNano(), uuid.NewString()))
}

// CreateDevice persists a new device record.
func (s *DeviceService) CreateDevice(ctx context.Context, device services.Device) (*services.Device, error) {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	value, err := json.Marshal(device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: deviceKey(device.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &device, nil
}

// UpdateDevice rewrites an existing device record.
func (s *DeviceService) UpdateDevice(ctx context.Context, device services.Device) (*services.Device, error) {
	value, err := json.Marshal(device)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: deviceKey(device.ID), Value: value}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &device, nil
}

// GetDevice fetches a device record by record id.
func (s *DeviceService) GetDevice(ctx context.Context, id string) (*services.Device, error) {
	item, err := s.backend.Get(ctx, deviceKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("device %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var device services.Device
	if err := json.Unmarshal(item.Value, &device); err != nil {
		return nil, trace.Wrap(err)
	}
	return &device, nil
}

// ListUserDevices returns all device records of a user, newest first.
func (s *DeviceService) ListUserDevices(ctx context.Context, userID string) ([]services.Device, error) {
	devices, err := s.listDevices(ctx, func(d *services.Device) bool { return d.UserID == userID })
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].IssuedAt.After(devices[j].IssuedAt) })
	return devices, nil
}

// ListActiveDevices returns every active device record.
func (s *DeviceService) ListActiveDevices(ctx context.Context) ([]services.Device, error) {
	return s.listDevices(ctx, func(d *services.Device) bool {
		return d.Status == services.DeviceStatusActive
	})
}

// CreateRotationRecord appends a rotation record.
func (s *DeviceService) CreateRotationRecord(ctx context.Context, record services.RotationRecord) error {
	if record.DeviceID == "" {
		return trace.BadParameter("missing parameter DeviceID")
	}
	value, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.backend.Create(ctx, backend.Item{Key: rotationKey(record.DeviceID, record), Value: value})
	return trace.Wrap(err)
}

// ListRotationRecords returns a device's rotation history, oldest
// first.
func (s *DeviceService) ListRotationRecords(ctx context.Context, deviceID string) ([]services.RotationRecord, error) {
	startKey := backend.ExactKey(devicesPrefix, deviceRotationsPrefix, deviceID)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	records := make([]services.RotationRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record services.RotationRecord
		if err := json.Unmarshal(item.Value, &record); err != nil {
			return nil, trace.Wrap(err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *DeviceService) listDevices(ctx context.Context, match func(*services.Device) bool) ([]services.Device, error) {
	startKey := backend.ExactKey(devicesPrefix, deviceItemsPrefix)
	result, err := s.backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var devices []services.Device
	for _, item := range result.Items {
		var device services.Device
		if err := json.Unmarshal(item.Value, &device); err != nil {
			return nil, trace.Wrap(err)
		}
		if match == nil || match(&device) {
			devices = append(devices, device)
		}
	}
	return devices, nil
}
