package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nimbus/pkg/model"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key prefixes, generalized from the teacher's /titan/jobs and
// /titan/nodes schema (pkg/store/etcd.go) to this domain.
const (
	nodeKeyPrefix   = "/nimbus/nodes/"
	taskKeyPrefix   = "/nimbus/tasks/"
	configKeyPrefix = "/nimbus/config/"
	configKey       = configKeyPrefix + "current"
)

// Etcd is the optional durable Store backing node registrations,
// terminal task records, and config patches (spec 6). Unlike the
// teacher, where etcd Watch was the live coordination channel between
// master and worker, here it is write-through persistence only: the
// Registry and Task Engine remain the single in-memory source of
// truth and etcd exists for crash recovery.
type Etcd struct {
	client *clientv3.Client
}

func NewEtcd(endpoints []string) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Etcd{client: cli}, nil
}

func (e *Etcd) put(ctx context.Context, key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = e.client.Put(ctx, key, string(data))
	return err
}

func (e *Etcd) SaveNode(ctx context.Context, node *model.Node) error {
	return e.put(ctx, nodeKeyPrefix+node.ID, node)
}

func (e *Etcd) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := e.client.Delete(ctx, nodeKeyPrefix+nodeID)
	return err
}

func (e *Etcd) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, nodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n model.Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			return nil, fmt.Errorf("unmarshal node %s: %w", kv.Key, err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, nil
}

func (e *Etcd) SaveTaskRecord(ctx context.Context, task *model.Task) error {
	return e.put(ctx, taskKeyPrefix+task.ID, task)
}

func (e *Etcd) ListTaskRecords(ctx context.Context) ([]*model.Task, error) {
	resp, err := e.client.Get(ctx, taskKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var t model.Task
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", kv.Key, err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (e *Etcd) SaveConfig(ctx context.Context, patch map[string]any) error {
	existing, err := e.LoadConfig(ctx)
	if err != nil {
		return err
	}
	for k, v := range patch {
		existing[k] = v
	}
	return e.put(ctx, configKey, existing)
}

func (e *Etcd) LoadConfig(ctx context.Context) (map[string]any, error) {
	resp, err := e.client.Get(ctx, configKey)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any)
	if err := json.Unmarshal(resp.Kvs[0].Value, &out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return out, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
