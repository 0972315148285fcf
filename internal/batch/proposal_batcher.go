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

// Package batch 将多个命令提案合并为一个 raft entry
package batch

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProposalBatcher 自适应批量提案器
// 低负载时单条立即提交（低延迟），高负载时扩大批量和等待时间（高吞吐）
type ProposalBatcher struct {
	minBatchSize  int
	maxBatchSize  int
	maxBatchBytes int
	minTimeout    time.Duration
	maxTimeout    time.Duration
	loadThreshold float64

	mu            sync.Mutex
	buffer        [][]byte
	bufferBytes   int
	currentLoad   float64 // 缓冲区使用率的指数移动平均
	proposalCount int64
	batchCount    int64

	currentBatchSize int
	currentTimeout   time.Duration

	proposeC chan []byte   // 输出通道，由 batcher 关闭
	inputC   <-chan []byte // 输入通道
	stopC    chan struct{}
	stopOnce sync.Once

	logger *zap.Logger
}

// BatchConfig 批量配置
type BatchConfig struct {
	MinBatchSize  int           // 默认 1
	MaxBatchSize  int           // 默认 256
	MaxBatchBytes int           // 单个 entry 上限，默认 4 MiB；0 表示不限
	MinTimeout    time.Duration // 默认 5ms
	MaxTimeout    time.Duration // 默认 20ms
	LoadThreshold float64       // 默认 0.7
}

// DefaultBatchConfig 返回默认配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MinBatchSize:  1,
		MaxBatchSize:  256,
		MaxBatchBytes: 4 << 20,
		MinTimeout:    5 * time.Millisecond,
		MaxTimeout:    20 * time.Millisecond,
		LoadThreshold: 0.7,
	}
}

// NewProposalBatcher 创建批量提案器，输出通过 ProposeC() 读取
func NewProposalBatcher(config BatchConfig, inputC <-chan []byte, logger *zap.Logger) *ProposalBatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MinBatchSize <= 0 {
		config.MinBatchSize = 1
	}
	if config.MaxBatchSize < config.MinBatchSize {
		config.MaxBatchSize = config.MinBatchSize
	}
	if config.MinTimeout <= 0 {
		config.MinTimeout = time.Millisecond
	}
	if config.MaxTimeout < config.MinTimeout {
		config.MaxTimeout = config.MinTimeout
	}

	return &ProposalBatcher{
		minBatchSize:     config.MinBatchSize,
		maxBatchSize:     config.MaxBatchSize,
		maxBatchBytes:    config.MaxBatchBytes,
		minTimeout:       config.MinTimeout,
		maxTimeout:       config.MaxTimeout,
		loadThreshold:    config.LoadThreshold,
		proposeC:         make(chan []byte, 256),
		inputC:           inputC,
		stopC:            make(chan struct{}),
		buffer:           make([][]byte, 0, config.MaxBatchSize),
		currentBatchSize: config.MinBatchSize,
		currentTimeout:   config.MinTimeout,
		logger:           logger,
	}
}

// ProposeC 返回编码后的 entry 数据
func (b *ProposalBatcher) ProposeC() <-chan []byte {
	return b.proposeC
}

// Start 启动主循环
func (b *ProposalBatcher) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop 停止主循环，可重复调用
func (b *ProposalBatcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopC) })
}

func (b *ProposalBatcher) run(ctx context.Context) {
	ticker := time.NewTicker(b.currentTimeout)
	defer ticker.Stop()

	defer func() {
		b.flush()
		close(b.proposeC)
	}()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("proposal batcher stopped due to context cancellation",
				zap.String("component", "batch"))
			return
		case <-b.stopC:
			b.logger.Info("proposal batcher stopped", zap.String("component", "batch"))
			return

		case proposal, ok := <-b.inputC:
			if !ok {
				return
			}

			b.mu.Lock()
			// 超过字节上限时先提交已有内容
			overflow := b.maxBatchBytes > 0 && len(b.buffer) > 0 &&
				b.bufferBytes+len(proposal) > b.maxBatchBytes
			b.mu.Unlock()
			if overflow {
				b.flush()
			}

			b.mu.Lock()
			b.buffer = append(b.buffer, proposal)
			b.bufferBytes += len(proposal)
			full := len(b.buffer) >= b.currentBatchSize
			b.mu.Unlock()

			if full {
				b.flush()
				ticker.Reset(b.timeout())
			}

		case <-ticker.C:
			b.flush()
			b.adjustParameters()
			ticker.Reset(b.timeout())
		}
	}
}

func (b *ProposalBatcher) timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTimeout
}

// flush 编码缓冲区并发送
func (b *ProposalBatcher) flush() {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([][]byte, len(b.buffer))
	copy(batch, b.buffer)
	b.buffer = b.buffer[:0]
	b.bufferBytes = 0
	b.proposalCount += int64(len(batch))
	b.batchCount++
	batchCount := b.batchCount
	b.mu.Unlock()

	data, err := EncodeBatch(batch)
	if err != nil {
		b.logger.Error("failed to encode batch proposals",
			zap.Error(err),
			zap.Int("batch_size", len(batch)),
			zap.String("component", "batch"))
		return
	}

	select {
	case b.proposeC <- data:
		b.logger.Debug("batch proposal sent",
			zap.Int("batch_size", len(batch)),
			zap.Int("bytes", len(data)),
			zap.Int64("batch_count", batchCount),
			zap.String("component", "batch"))
	case <-b.stopC:
	}
}

// adjustParameters 按缓冲区使用率调整批量大小和超时
// 负载变化剧烈时使用更大的 alpha 以便快速切换
func (b *ProposalBatcher) adjustParameters() {
	b.mu.Lock()
	defer b.mu.Unlock()

	usage := float64(len(b.buffer)) / float64(b.maxBatchSize)

	delta := math.Abs(usage - b.currentLoad)
	alpha := 0.3
	if delta > 0.3 {
		alpha = 0.7
	} else if delta > 0.15 {
		alpha = 0.5
	}
	b.currentLoad = alpha*usage + (1-alpha)*b.currentLoad

	effective := b.currentLoad
	if usage > 0.8 {
		effective = math.Max(effective, b.loadThreshold+0.1)
	}

	if effective > b.loadThreshold {
		b.currentBatchSize = interpolate(b.currentLoad, b.loadThreshold, 1.0,
			float64(b.maxBatchSize)/2, float64(b.maxBatchSize))
		b.currentTimeout = time.Duration(interpolate(b.currentLoad, b.loadThreshold, 1.0,
			float64(b.maxTimeout)/2, float64(b.maxTimeout)))
	} else {
		b.currentBatchSize = interpolate(b.currentLoad, 0.0, b.loadThreshold,
			float64(b.minBatchSize), float64(b.maxBatchSize)/2)
		b.currentTimeout = time.Duration(interpolate(b.currentLoad, 0.0, b.loadThreshold,
			float64(b.minTimeout), float64(b.maxTimeout)/2))
	}
	if b.currentBatchSize < b.minBatchSize {
		b.currentBatchSize = b.minBatchSize
	}
	if b.currentTimeout < b.minTimeout {
		b.currentTimeout = b.minTimeout
	}
}

// interpolate 将 value 从 [lo, hi] 线性映射到 [targetLo, targetHi]
func interpolate(value, lo, hi, targetLo, targetHi float64) int {
	if value <= lo {
		return int(targetLo)
	}
	if value >= hi {
		return int(targetHi)
	}
	ratio := (value - lo) / (hi - lo)
	return int(targetLo + ratio*(targetHi-targetLo))
}

// Stats 返回统计信息
func (b *ProposalBatcher) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var avg float64
	if b.batchCount > 0 {
		avg = float64(b.proposalCount) / float64(b.batchCount)
	}
	return BatchStats{
		TotalProposals:   b.proposalCount,
		TotalBatches:     b.batchCount,
		AvgBatchSize:     avg,
		CurrentLoad:      b.currentLoad,
		CurrentBatchSize: b.currentBatchSize,
		CurrentTimeout:   b.currentTimeout,
		BufferLen:        len(b.buffer),
	}
}

// BatchStats 批量提案器统计
type BatchStats struct {
	TotalProposals   int64
	TotalBatches     int64
	AvgBatchSize     float64
	CurrentLoad      float64
	CurrentBatchSize int
	CurrentTimeout   time.Duration
	BufferLen        int
}
