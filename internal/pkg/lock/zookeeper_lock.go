package lock

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const defaultZkRoot = "/distributed_locks" // 所有分布式锁的根节点

// ZkConn 是 ZooKeeper 锁用到的连接方法，*zk.Conn 满足该接口
type ZkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

type zkHold struct {
	node  string
	count int
}

// ZookeeperLocker 基于临时顺序节点实现：会话断开时节点自动删除，即锁的自动过期。
type ZookeeperLocker struct {
	conn ZkConn
	root string

	mu   sync.Mutex
	held map[string]*zkHold
}

// NewZookeeperLocker 创建锁并确保根节点存在
func NewZookeeperLocker(conn ZkConn, root string) (*ZookeeperLocker, error) {
	if root == "" {
		root = defaultZkRoot
	}
	l := &ZookeeperLocker{conn: conn, root: root, held: make(map[string]*zkHold)}
	if err := l.ensurePath(root); err != nil {
		return nil, err
	}
	return l, nil
}

// ConnectZookeeper 建立连接，servers 为逗号分隔的地址
func ConnectZookeeper(servers string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(strings.Split(servers, ","), sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrapf(err, "zookeeper: connect %s", servers)
	}
	return conn, nil
}

func (l *ZookeeperLocker) ensurePath(path string) error {
	exists, _, err := l.conn.Exists(path)
	if err != nil {
		return &Error{Op: "exists", Key: path, Err: err}
	}
	if exists {
		return nil
	}
	if _, err := l.conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return &Error{Op: "create", Key: path, Err: err}
	}
	return nil
}

// TryLock 创建顺序节点后排队，只监听前一个节点，等待超过 wait 时放弃并删除自己的节点。
// 同一持有者再次加锁只增加计数；不同持有者各自排队。
func (l *ZookeeperLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	hk := holdKey(OwnerFrom(ctx), key)
	l.mu.Lock()
	if h, ok := l.held[hk]; ok {
		h.count++
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	lockPath := l.root + "/" + key
	if err := l.ensurePath(lockPath); err != nil {
		return false, err
	}

	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return false, &Error{Op: "create", Key: key, Err: err}
	}
	myNode := strings.TrimPrefix(nodePath, lockPath+"/")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			l.abandon(nodePath)
			return false, &Error{Op: "children", Key: key, Err: err}
		}
		sortBySequence(children)

		// 3. 判断自己是否是最小的节点
		idx := indexOf(children, myNode)
		if idx < 0 {
			// 会话过期导致节点被删除
			return false, &Error{Op: "acquire", Key: key, Err: zk.ErrNoNode}
		}
		if idx == 0 {
			l.mu.Lock()
			l.held[hk] = &zkHold{node: nodePath, count: 1}
			l.mu.Unlock()
			return true, nil
		}

		// 4. 不是最小节点，监听前一个节点
		exists, _, events, err := l.conn.ExistsW(lockPath + "/" + children[idx-1])
		if err != nil {
			l.abandon(nodePath)
			return false, &Error{Op: "watch", Key: key, Err: err}
		}
		if !exists {
			continue
		}

		select {
		case <-events:
			// 前一个节点有变化，重新竞争
		case <-timer.C:
			l.abandon(nodePath)
			return false, nil
		case <-ctx.Done():
			l.abandon(nodePath)
			return false, ctx.Err()
		}
	}
}

// abandon 放弃排队，删除自己创建的节点
func (l *ZookeeperLocker) abandon(nodePath string) {
	_ = l.conn.Delete(nodePath, -1)
}

// Unlock 释放一次重入，计数归零时删除节点
func (l *ZookeeperLocker) Unlock(ctx context.Context, key string) error {
	hk := holdKey(OwnerFrom(ctx), key)
	l.mu.Lock()
	h, ok := l.held[hk]
	if !ok {
		l.mu.Unlock()
		return ErrNotHeld
	}
	h.count--
	if h.count > 0 {
		l.mu.Unlock()
		return nil
	}
	delete(l.held, hk)
	l.mu.Unlock()

	if err := l.conn.Delete(h.node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return &Error{Op: "release", Key: key, Err: err}
	}
	return nil
}

// Held 判断 ctx 上的持有者是否持有该锁
func (l *ZookeeperLocker) Held(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[holdKey(OwnerFrom(ctx), key)]
	return ok
}

// sortBySequence 受保护节点带有 GUID 前缀，必须按末尾的序号排序
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(node string) int64 {
	if len(node) < 10 {
		return -1
	}
	n, err := strconv.ParseInt(node[len(node)-10:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func indexOf(children []string, node string) int {
	for i, child := range children {
		if child == node {
			return i
		}
	}
	return -1
}
