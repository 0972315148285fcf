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

package log

import (
	"time"

	"go.uber.org/zap"
)

// 通用字段

func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Uint64(key string, val uint64) zap.Field {
	return zap.Uint64(key, val)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

// 业务字段

func Key(key string) zap.Field {
	return zap.String("key", key)
}

func Value(value []byte) zap.Field {
	// 如果值太大，只记录长度
	if len(value) > 1024 {
		return zap.Int("value_size", len(value))
	}
	return zap.ByteString("value", value)
}

func Sequence(seq uint64) zap.Field {
	return zap.Uint64("sequence", seq)
}

func Op(op string) zap.Field {
	return zap.String("op", op)
}

func SubscriptionID(id uint64) zap.Field {
	return zap.Uint64("subscription_id", id)
}

func NodeID(id uint64) zap.Field {
	return zap.Uint64("node_id", id)
}

func Mode(mode string) zap.Field {
	return zap.String("mode", mode)
}

func Component(name string) zap.Field {
	return zap.String("component", name)
}
