package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	processBucket = []byte("process_instance")
	nodeBucket    = []byte("node_instance")
	// process handle -> node handle -> 空值
	processNodesBucket = []byte("process_nodes")
)

type boltBackend struct {
	db *bbolt.DB
}

// OpenBolt 打开 bolt 文件, ctx 的 deadline 作为等待文件锁的超时时间
func OpenBolt(ctx context.Context, path string) (*bbolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := *bbolt.DefaultOptions
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
		if opts.Timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	db, err := bbolt.Open(path, os.FileMode(0600), &opts)
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, context.DeadlineExceeded
		}
		return nil, errors.WithMessagef(err, "open bolt failed, path: %s", path)
	}
	return db, nil
}

// NewBoltBackend 嵌入式 KV 后端, 写事务由 bolt 串行化
func NewBoltBackend(db *bbolt.DB) (Backend, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{processBucket, nodeBucket, processNodesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "create bolt buckets failed")
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Begin(ctx context.Context, writable bool) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := b.db.Begin(writable)
	if err != nil {
		return nil, errors.WithMessage(err, "begin bolt transaction failed")
	}
	return &boltTx{tx: tx}, nil
}

type boltTx struct {
	tx     *bbolt.Tx
	closed bool
}

func handleKey(h Handle) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(h))
	return k
}

func keyHandle(k []byte) Handle {
	return Handle(binary.BigEndian.Uint64(k))
}

func (t *boltTx) check(write bool) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if write && !t.tx.Writable() {
		return ErrReadOnly
	}
	return nil
}

func (t *boltTx) get(bucket []byte, h Handle, v any) (bool, error) {
	data := t.tx.Bucket(bucket).Get(handleKey(h))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.WithMessagef(err, "unmarshal %s %d failed", bucket, h)
	}
	return true, nil
}

func (t *boltTx) put(bucket []byte, h Handle, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WithMessagef(err, "marshal %s %d failed", bucket, h)
	}
	return t.tx.Bucket(bucket).Put(handleKey(h), data)
}

func (t *boltTx) GetProcessInstance(ctx context.Context, h Handle) (*ProcessInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	po := &ProcessInstancePo{}
	ok, err := t.get(processBucket, h, po)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "process instance %d", h)
	}
	return po, nil
}

func (t *boltTx) QueryProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, errors.New("nil QueryProcessInstanceParams")
	}
	pos := make([]*ProcessInstancePo, 0)
	// key 是大端序句柄, 游标顺序即句柄升序
	err := t.tx.Bucket(processBucket).ForEach(func(k, v []byte) error {
		po := &ProcessInstancePo{}
		if err := json.Unmarshal(v, po); err != nil {
			return errors.WithMessagef(err, "unmarshal process instance %d failed", keyHandle(k))
		}
		if matchProcessInstance(po, params) {
			pos = append(pos, po)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pageSlice(pos, params)
}

func (t *boltTx) PutProcessInstance(ctx context.Context, po *ProcessInstancePo) (Handle, error) {
	if err := t.check(true); err != nil {
		return InvalidHandle, err
	}
	if po == nil {
		return InvalidHandle, errors.New("nil ProcessInstancePo")
	}
	seq, err := t.tx.Bucket(processBucket).NextSequence()
	if err != nil {
		return InvalidHandle, errors.WithMessage(err, "next process sequence failed")
	}
	h := Handle(seq)
	po.ID = int64(h)
	if err := t.put(processBucket, h, po); err != nil {
		return InvalidHandle, err
	}
	if _, err := t.tx.Bucket(processNodesBucket).CreateBucketIfNotExists(handleKey(h)); err != nil {
		return InvalidHandle, errors.WithMessage(err, "create process nodes bucket failed")
	}
	return h, nil
}

func (t *boltTx) SetProcessInstance(ctx context.Context, po *ProcessInstancePo, baseGeneration int64) error {
	if err := t.check(true); err != nil {
		return err
	}
	if po == nil {
		return errors.New("nil ProcessInstancePo")
	}
	h := Handle(po.ID)
	current, err := t.GetProcessInstance(ctx, h)
	if err != nil {
		return err
	}
	if current.Generation != baseGeneration {
		return ConflictError{Handle: h, Expected: baseGeneration, Actual: current.Generation}
	}
	return t.put(processBucket, h, po)
}

func (t *boltTx) RemoveProcessInstance(ctx context.Context, h Handle) error {
	if err := t.check(true); err != nil {
		return err
	}
	key := handleKey(h)
	if t.tx.Bucket(processBucket).Get(key) == nil {
		return errors.WithMessagef(ErrNotFound, "process instance %d", h)
	}
	if index := t.tx.Bucket(processNodesBucket).Bucket(key); index != nil {
		nodes := t.tx.Bucket(nodeBucket)
		err := index.ForEach(func(k, _ []byte) error {
			return nodes.Delete(k)
		})
		if err != nil {
			return errors.WithMessage(err, "delete node instances failed")
		}
		if err := t.tx.Bucket(processNodesBucket).DeleteBucket(key); err != nil {
			return errors.WithMessage(err, "delete process nodes bucket failed")
		}
	}
	return t.tx.Bucket(processBucket).Delete(key)
}

func (t *boltTx) GetNodeInstance(ctx context.Context, h Handle) (*NodeInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	po := &NodeInstancePo{}
	ok, err := t.get(nodeBucket, h, po)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "node instance %d", h)
	}
	return po, nil
}

func (t *boltTx) ListNodeInstances(ctx context.Context, process Handle) ([]*NodeInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	pos := make([]*NodeInstancePo, 0)
	index := t.tx.Bucket(processNodesBucket).Bucket(handleKey(process))
	if index == nil {
		return pos, nil
	}
	err := index.ForEach(func(k, _ []byte) error {
		po, err := t.GetNodeInstance(ctx, keyHandle(k))
		if err != nil {
			return err
		}
		pos = append(pos, po)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func (t *boltTx) PutNodeInstance(ctx context.Context, po *NodeInstancePo) (Handle, error) {
	if err := t.check(true); err != nil {
		return InvalidHandle, err
	}
	if po == nil {
		return InvalidHandle, errors.New("nil NodeInstancePo")
	}
	index := t.tx.Bucket(processNodesBucket).Bucket(handleKey(Handle(po.ProcessInstanceID)))
	if index == nil {
		return InvalidHandle, errors.WithMessagef(ErrNotFound, "process instance %d", po.ProcessInstanceID)
	}
	seq, err := t.tx.Bucket(nodeBucket).NextSequence()
	if err != nil {
		return InvalidHandle, errors.WithMessage(err, "next node sequence failed")
	}
	h := Handle(seq)
	po.ID = int64(h)
	if err := t.put(nodeBucket, h, po); err != nil {
		return InvalidHandle, err
	}
	if err := index.Put(handleKey(h), []byte{}); err != nil {
		return InvalidHandle, errors.WithMessage(err, "index node instance failed")
	}
	return h, nil
}

func (t *boltTx) SetNodeInstance(ctx context.Context, po *NodeInstancePo) error {
	if err := t.check(true); err != nil {
		return err
	}
	if po == nil {
		return errors.New("nil NodeInstancePo")
	}
	if t.tx.Bucket(nodeBucket).Get(handleKey(Handle(po.ID))) == nil {
		return errors.WithMessagef(ErrNotFound, "node instance %d", po.ID)
	}
	return t.put(nodeBucket, Handle(po.ID), po)
}

func (t *boltTx) RemoveNodeInstance(ctx context.Context, h Handle) error {
	if err := t.check(true); err != nil {
		return err
	}
	po, err := t.GetNodeInstance(ctx, h)
	if err != nil {
		return err
	}
	if index := t.tx.Bucket(processNodesBucket).Bucket(handleKey(Handle(po.ProcessInstanceID))); index != nil {
		if err := index.Delete(handleKey(h)); err != nil {
			return err
		}
	}
	return t.tx.Bucket(nodeBucket).Delete(handleKey(h))
}

func (t *boltTx) Commit(ctx context.Context) error {
	if err := t.check(false); err != nil {
		return err
	}
	t.closed = true
	if !t.tx.Writable() {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return errors.WithMessage(err, "commit bolt transaction failed")
	}
	return nil
}

func (t *boltTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.tx.Rollback()
}
