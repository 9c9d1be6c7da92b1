package discovery

import (
    "context"
    "time"

    "github.com/coreos/etcd/clientv3"

    . "github.com/PelionIoT/memberdb/logging"
)

const DialTimeout = 5 * time.Second

// EtcdSeedDiscovery resolves the initial contact points from an etcd prefix
// instead of a static seed list. Each key under the prefix holds one gossip
// address.
type EtcdSeedDiscovery struct {
    client *clientv3.Client
    prefix string
}

func NewEtcdSeedDiscovery(endpoints []string, prefix string) (*EtcdSeedDiscovery, error) {
    client, err := clientv3.New(clientv3.Config{
        Endpoints: endpoints,
        DialTimeout: DialTimeout,
    })

    if err != nil {
        return nil, err
    }

    return &EtcdSeedDiscovery{
        client: client,
        prefix: prefix,
    }, nil
}

// Seeds lists the gossip addresses registered under the prefix.
func (discovery *EtcdSeedDiscovery) Seeds(ctx context.Context) ([]string, error) {
    response, err := discovery.client.Get(ctx, discovery.prefix, clientv3.WithPrefix())

    if err != nil {
        return nil, err
    }

    seeds := make([]string, 0, len(response.Kvs))

    for _, kv := range response.Kvs {
        seeds = append(seeds, string(kv.Value))
    }

    Log.Infof("Discovered %d seeds under %s", len(seeds), discovery.prefix)

    return seeds, nil
}

// RegisterNode announces this node's gossip address under the prefix with a
// keep-alive lease so stale entries disappear when the process dies.
func (discovery *EtcdSeedDiscovery) RegisterNode(ctx context.Context, address string, ttlSeconds int64) error {
    lease, err := discovery.client.Grant(ctx, ttlSeconds)

    if err != nil {
        return err
    }

    _, err = discovery.client.Put(ctx, discovery.prefix + address, address, clientv3.WithLease(lease.ID))

    if err != nil {
        return err
    }

    keepAlive, err := discovery.client.KeepAlive(context.Background(), lease.ID)

    if err != nil {
        return err
    }

    go func() {
        for range keepAlive {
        }
    }()

    return nil
}

func (discovery *EtcdSeedDiscovery) Close() error {
    return discovery.client.Close()
}
