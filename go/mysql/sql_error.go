/*
Copyright 2021 The Maxgate Authors.

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

package mysql

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// SQLError is an error carrying a MySQL error number and SQLSTATE. It
// round-trips through wire ERR packets.
type SQLError struct {
	Num     int
	State   string
	Message string
}

// NewSQLError creates a new SQLError. An empty sqlState defaults to
// "HY000" (general error).
func NewSQLError(number int, sqlState string, format string, args ...any) *SQLError {
	if sqlState == "" {
		sqlState = SSUnknownSQLState
	}
	return &SQLError{
		Num:     number,
		State:   sqlState,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (se *SQLError) Error() string {
	return fmt.Sprintf("%v (errno %v) (sqlstate %v)", se.Message, se.Num, se.State)
}

// Number returns the MySQL error number.
func (se *SQLError) Number() int {
	return se.Num
}

// SQLState returns the SQLSTATE value.
func (se *SQLError) SQLState() string {
	return se.State
}

// NewLostConnectionError synthesizes the error a client sees when its
// backend dies. The cause includes the operating-system error number
// and description when one is available.
func NewLostConnectionError(cause error) *SQLError {
	detail := "connection closed by peer"
	if cause != nil {
		detail = cause.Error()
		var errno syscall.Errno
		if errors.As(cause, &errno) {
			detail = fmt.Sprintf("%d, %v", int(errno), errno.Error())
			if name := unix.ErrnoName(errno); name != "" {
				detail += " (" + name + ")"
			}
		}
	}
	return NewSQLError(CRServerLost, SSUnknownSQLState, "Lost connection to backend server: %v", detail)
}
