// Copyright 2025 Tom Barlow
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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	flowerrors "github.com/tombee/testflow/pkg/errors"
)

// Exit codes for testflow commands
const (
	ExitSuccess     = 0
	ExitFlowFailed  = 1
	ExitInvalidFlow = 2
	ExitConfigError = 3
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewFlowFailedError reports a flow that finished without completing.
func NewFlowFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFlowFailed, Message: msg, Cause: cause}
}

// NewInvalidFlowError reports a flow file that could not be loaded.
func NewInvalidFlowError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidFlow, Message: msg, Cause: cause}
}

// NewConfigError reports unusable configuration.
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var ce *flowerrors.ConfigError
	if errors.As(err, &ce) {
		return ExitConfigError
	}
	return ExitFlowFailed
}

// PrintError writes err and any validation suggestion to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	var ve *flowerrors.ValidationError
	if errors.As(err, &ve) && ve.Suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", ve.Suggestion)
	}
}

// HandleExitError prints err and exits with its code. A nil err returns.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}
