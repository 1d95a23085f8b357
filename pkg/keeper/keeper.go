package keeper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yandex/ch-backup/pkg/config"
)

// ConfigParser - the piece of the clickhouse client needed to discover
// keeper connection settings
type ConfigParser interface {
	ParseXML(configFile string) (*xmlquery.Node, error)
}

// ErrLockTaken - another holder owns the distributed lock
var ErrLockTaken = errors.New("zookeeper lock is taken by another holder")

type logKeeperToZeroLogAdapter struct {
	logger zerolog.Logger
}

func (adapter logKeeperToZeroLogAdapter) Printf(msg string, args ...interface{}) {
	msg = fmt.Sprintf("[keeper] %s", msg)
	if len(args) > 0 {
		adapter.logger.Debug().Msgf(msg, args...)
	} else {
		adapter.logger.Debug().Msg(msg)
	}
}

type keeperDumpNode struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// Keeper - ZooKeeper/ClickHouse Keeper client used for the distributed lock
// and coordination state cleanup
type Keeper struct {
	conn *zk.Conn
	root string
	doc  *xmlquery.Node
}

// Connect - connect to any zookeeper server listed in the preprocessed
// clickhouse config
func (k *Keeper) Connect(ctx context.Context, ch ConfigParser, cfg *config.Config) error {
	configFile := cfg.ClickHouse.ConfigFile
	doc, err := ch.ParseXML(configFile)
	if err != nil {
		return fmt.Errorf("can't parse %s, error: %v", configFile, err)
	}
	k.doc = doc
	zookeeperNode := xmlquery.FindOne(doc, "//zookeeper")
	if zookeeperNode == nil {
		return fmt.Errorf("no /zookeeper in %s", configFile)
	}
	sessionTimeout := 15 * time.Second
	if sessionTimeoutMsNode := zookeeperNode.SelectElement("session_timeout_ms"); sessionTimeoutMsNode != nil {
		if sessionTimeoutMs, err := strconv.ParseInt(sessionTimeoutMsNode.InnerText(), 10, 64); err == nil {
			sessionTimeout = time.Duration(sessionTimeoutMs) * time.Millisecond
		} else {
			log.Warn().Msgf("can't parse /zookeeper/session_timeout_ms in %s, value: %v, error: %v", configFile, sessionTimeoutMsNode.InnerText(), err)
		}
	}
	nodeList := zookeeperNode.SelectElements("node")
	if len(nodeList) == 0 {
		return fmt.Errorf("/zookeeper/node not exists in %s", configFile)
	}
	keeperHosts := make([]string, len(nodeList))
	for i, node := range nodeList {
		hostNode := node.SelectElement("host")
		if hostNode == nil {
			return fmt.Errorf("/zookeeper/node[%d]/host not exists in %s", i, configFile)
		}
		port := "2181"
		if portNode := node.SelectElement("port"); portNode != nil {
			port = portNode.InnerText()
		}
		keeperHosts[i] = fmt.Sprintf("%s:%s", hostNode.InnerText(), port)
	}
	conn, _, err := zk.Connect(keeperHosts, sessionTimeout, zk.WithLogger(logKeeperToZeroLogAdapter{log.Logger}))
	if err != nil {
		return err
	}
	if digestNode := zookeeperNode.SelectElement("digest"); digestNode != nil {
		if err = conn.AddAuth("digest", []byte(digestNode.InnerText())); err != nil {
			conn.Close()
			return fmt.Errorf("keeper digest authorization error: %v", err)
		}
	}
	k.conn = conn
	if keeperRootPathNode := zookeeperNode.SelectElement("root"); keeperRootPathNode != nil {
		k.root = keeperRootPathNode.InnerText()
	}
	return nil
}

func (k *Keeper) absPath(p string) string {
	if !strings.HasPrefix(p, "/") && k.root != "" {
		return path.Join(k.root, p)
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// TryLock - acquire an ephemeral lock node, polling until timeout. Holder
// identity is stored in the node for diagnostics.
func (k *Keeper) TryLock(ctx context.Context, lockPath, holder string, timeout time.Duration) error {
	lockPath = k.absPath(lockPath)
	if err := k.ensurePath(path.Dir(lockPath)); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		_, err := k.conn.Create(lockPath, []byte(holder), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			return nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "can't create lock node %s", lockPath)
		}
		if time.Now().After(deadline) {
			if contender, _, getErr := k.conn.Get(lockPath); getErr == nil {
				return errors.Wrapf(ErrLockTaken, "contender is %s", string(contender))
			}
			return ErrLockTaken
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Unlock - release lock taken by TryLock
func (k *Keeper) Unlock(lockPath string) error {
	lockPath = k.absPath(lockPath)
	err := k.conn.Delete(lockPath, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

func (k *Keeper) ensurePath(p string) error {
	if p == "/" || p == "" {
		return nil
	}
	components := strings.Split(strings.Trim(p, "/"), "/")
	current := ""
	for _, component := range components {
		current += "/" + component
		_, err := k.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "can't create znode %s", current)
		}
	}
	return nil
}

// Children - list child names under a prefix, empty when the node is absent
func (k *Keeper) Children(prefix string) ([]string, error) {
	children, _, err := k.conn.Children(k.absPath(prefix))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}

// DeleteRecursive - remove the whole subtree under prefix. Used to prune
// stale replica entries when replica identity is overridden on restore.
func (k *Keeper) DeleteRecursive(prefix string) error {
	return k.deleteRecursive(k.absPath(prefix))
}

func (k *Keeper) deleteRecursive(nodePath string) error {
	children, _, err := k.conn.Children(nodePath)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := k.deleteRecursive(path.Join(nodePath, child)); err != nil {
			return err
		}
	}
	err = k.conn.Delete(nodePath, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// Exists - check a node presence
func (k *Keeper) Exists(nodePath string) (bool, error) {
	exists, _, err := k.conn.Exists(k.absPath(nodePath))
	return exists, err
}

// Dump - write the subtree under prefix into a jsonl file, one node per
// line. Used to back up replicated access entities.
func (k *Keeper) Dump(prefix, dumpFile string) (int, error) {
	f, err := os.Create(dumpFile)
	if err != nil {
		return 0, fmt.Errorf("can't create %s: %v", dumpFile, err)
	}
	defer func() {
		if err = f.Close(); err != nil {
			log.Warn().Msgf("can't close %s: %v", dumpFile, err)
		}
	}()
	bytes, err := k.dumpNodeRecursive(k.absPath(prefix), "", f)
	if err != nil {
		return 0, fmt.Errorf("dumpNodeRecursive(%s) return error: %v", prefix, err)
	}
	return bytes, nil
}

func (k *Keeper) dumpNodeRecursive(prefix, nodePath string, f *os.File) (int, error) {
	value, _, err := k.conn.Get(path.Join(prefix, nodePath))
	if err != nil {
		return 0, err
	}
	bytes, err := k.writeJSONString(f, keeperDumpNode{Path: nodePath, Value: string(value)})
	if err != nil {
		return 0, err
	}
	children, _, err := k.conn.Children(path.Join(prefix, nodePath))
	if err != nil {
		return 0, err
	}
	for _, childPath := range children {
		childBytes, err := k.dumpNodeRecursive(prefix, path.Join(nodePath, childPath), f)
		if err != nil {
			return 0, err
		}
		bytes += childBytes
	}
	return bytes, nil
}

func (k *Keeper) writeJSONString(f *os.File, node keeperDumpNode) (int, error) {
	jsonLine, err := json.Marshal(node)
	if err != nil {
		return 0, err
	}
	bytes, err := f.Write(jsonLine)
	if err != nil {
		return bytes, err
	}
	lnBytes, err := f.Write([]byte("\n"))
	return bytes + lnBytes, err
}

// Restore - recreate the subtree from a jsonl dump produced by Dump
func (k *Keeper) Restore(dumpFile, prefix string) error {
	f, err := os.Open(dumpFile)
	if err != nil {
		return fmt.Errorf("can't open %s: %v", dumpFile, err)
	}
	defer func() {
		if err = f.Close(); err != nil {
			log.Warn().Msgf("can't close %s: %v", dumpFile, err)
		}
	}()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		node := keeperDumpNode{}
		if err = json.Unmarshal(scanner.Bytes(), &node); err != nil {
			return err
		}
		nodePath := path.Join(k.absPath(prefix), node.Path)
		_, stat, err := k.conn.Get(nodePath)
		if err != nil {
			if err := k.ensurePath(path.Dir(nodePath)); err != nil {
				return err
			}
			if _, err = k.conn.Create(nodePath, []byte(node.Value), 0, zk.WorldACL(zk.PermAll)); err != nil {
				return fmt.Errorf("can't create znode %s, error: %v", nodePath, err)
			}
		} else {
			if _, err = k.conn.Set(nodePath, []byte(node.Value), stat.Version); err != nil {
				return fmt.Errorf("can't update znode %s, error: %v", nodePath, err)
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("can't scan %s, error: %s", dumpFile, err)
	}
	return nil
}

// GetReplicatedAccessPath - zookeeper path of a replicated user directory
func (k *Keeper) GetReplicatedAccessPath(userDirectory string) (string, error) {
	xPathQuery := fmt.Sprintf("//user_directories/%s/zookeeper_path", userDirectory)
	zookeeperPathNode := xmlquery.FindOne(k.doc, xPathQuery)
	if zookeeperPathNode == nil {
		return "", fmt.Errorf("can't find %s in clickhouse config", xPathQuery)
	}
	return zookeeperPathNode.InnerText(), nil
}

// Close - close keeper session
func (k *Keeper) Close() {
	if k.conn != nil {
		k.conn.Close()
	}
}
