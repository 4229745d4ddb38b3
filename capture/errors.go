/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package capture

import "fmt"

// Phases of a recoverable fast-path failure. They are distinguished only for
// diagnostics: both cause a silent fallback to full tracing.
const (
	PhaseArgMapping   = "arg-mapping"
	PhaseGuardInstall = "guard-install"
)

// FastPathError is a recoverable failure of the stateful-call fast path. It is
// panicked internally (exceptions style) and caught inside CallMethod, where it
// triggers fallback to full symbolic tracing of the original call. It never
// reaches the caller.
type FastPathError struct {
	Phase  string
	Reason string
}

// Error implements the error interface.
func (e *FastPathError) Error() string {
	return fmt.Sprintf("fast path aborted during %s: %s", e.Phase, e.Reason)
}

func throwFastPath(phase, format string, args ...any) {
	panic(&FastPathError{Phase: phase, Reason: fmt.Sprintf(format, args...)})
}

// UnsupportedError is fatal to compiling a call site: the construct cannot be
// soundly captured by this tracing model. It is returned to the caller, never
// swallowed by the fallback path.
type UnsupportedError struct {
	Reason string
}

// Error implements the error interface.
func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("not supported by the compiler: %s", e.Reason)
}
