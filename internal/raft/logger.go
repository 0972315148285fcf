// Copyright 2025 The axfor Authors
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

package raft

import (
	"go.uber.org/zap"
)

// raftLogger adapts zap to raft.Logger.
type raftLogger struct {
	*zap.SugaredLogger
}

func newRaftLogger(lg *zap.Logger) *raftLogger {
	return &raftLogger{lg.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *raftLogger) Warning(v ...interface{}) { l.Warn(v...) }

func (l *raftLogger) Warningf(format string, v ...interface{}) { l.Warnf(format, v...) }
