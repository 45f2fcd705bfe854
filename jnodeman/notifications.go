// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnodeman

import (
	"fmt"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about registry changes.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTJnodesAdded indicates new entries were added to the registry.
	NTJnodesAdded NotificationType = iota

	// NTJnodesRemoved indicates entries with spent collateral were
	// removed from the registry.
	NTJnodesRemoved
)

// notificationTypeStrings is a map of notification types back to their constant
// names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTJnodesAdded:   "NTJnodesAdded",
	NTJnodesRemoved: "NTJnodesRemoved",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// Notification defines notification that is sent to the caller via the
// callback function provided during the call to Subscribe.  Data is the
// registry size after the change.
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe to registry notifications.  Registers a callback to be executed
// when entries are added or removed.
func (m *Manager) Subscribe(callback NotificationCallback) {
	m.notificationsLock.Lock()
	m.notifications = append(m.notifications, callback)
	m.notificationsLock.Unlock()
}

// sendNotification sends a notification with the passed type and data if the
// caller requested notifications by providing a callback function in the call
// to Subscribe.
func (m *Manager) sendNotification(typ NotificationType, data interface{}) {
	// Generate and send the notification.
	n := Notification{Type: typ, Data: data}
	m.notificationsLock.RLock()
	for _, callback := range m.notifications {
		callback(&n)
	}
	m.notificationsLock.RUnlock()
}
