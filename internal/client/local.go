package client

import (
	"context"
	"errors"

	"github.com/ChuLiYu/mesh-dispatch/internal/broker"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// ErrLocalBrokerNotCreated LocalBroker 未成功啟動
var ErrLocalBrokerNotCreated = errors.New("local broker was not created")

// LocalBroker 本地啟動的 broker；Created 為 false 時 Endpoint 無效
type LocalBroker struct {
	Created  bool
	Endpoint types.Endpoint
	Broker   *broker.Broker
}

// LaunchLocalBroker 建立並啟動一個 broker
//
// 只有 broker 回報 alive 時 Created 才為 true。
func LaunchLocalBroker(cfg broker.Config) LocalBroker {
	b := broker.New(cfg)
	if err := b.Launch(); err != nil {
		log.Error("Failed to launch local broker", "error", err)
		return LocalBroker{}
	}
	if !b.IsAlive() {
		return LocalBroker{}
	}
	return LocalBroker{
		Created:  true,
		Endpoint: b.Endpoint(),
		Broker:   b,
	}
}

// NewFromLocal 連線到本地 broker；Client 取得 broker 的所有權，
// Close 時先關閉連線再終止 broker
func NewFromLocal(ctx context.Context, local LocalBroker, opts ...Option) (*Client, error) {
	if !local.Created {
		return nil, ErrLocalBrokerNotCreated
	}
	c, err := New(ctx, local.Endpoint, opts...)
	if err != nil {
		// 連線失敗時 broker 沒有擁有者，在此終止
		if local.Broker != nil {
			local.Broker.Terminate()
		}
		return nil, err
	}
	c.local = &local
	return c, nil
}
