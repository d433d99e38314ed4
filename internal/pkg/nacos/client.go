// Package nacos 封装 Nacos 配置中心客户端
package nacos

import (
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
)

// ConfigSource 是读取远程配置的最小接口，*ConfigClient 满足该接口
type ConfigSource interface {
	Fetch(dataID, group string) (string, error)
	Close()
}

// ConfigClient 封装了 Nacos 配置客户端
type ConfigClient struct {
	client config_client.IConfigClient
}

// ParseServerConfigs 解析 "ip1:port1,ip2:port2" 格式的地址
func ParseServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	if len(serverConfigs) == 0 {
		return nil, errors.New("no nacos server address given")
	}
	return serverConfigs, nil
}

// NewConfigClient 创建配置客户端，namespaceID 为空时使用默认 public 命名空间
func NewConfigClient(addrs, namespaceID string) (*ConfigClient, error) {
	serverConfigs, err := ParseServerConfigs(addrs)
	if err != nil {
		return nil, err
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceID),
	)

	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create nacos config client")
	}
	return &ConfigClient{client: client}, nil
}

// Fetch 读取一份配置内容
func (c *ConfigClient) Fetch(dataID, group string) (string, error) {
	content, err := c.client.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get nacos config %s/%s", group, dataID)
	}
	return content, nil
}

// Close 关闭客户端
func (c *ConfigClient) Close() {
	c.client.CloseClient()
}
