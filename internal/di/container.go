// internal/di/container.go
package di

import (
	"sync"
)

// Container 进程级的服务注册表。
// InitServices按依赖顺序注册服务，路由装配时按名称取回。
type Container struct {
	mu       sync.RWMutex
	services map[string]interface{}
}

var (
	globalContainer *Container
	containerOnce   sync.Once
)

// GetContainer 返回全局容器实例
func GetContainer() *Container {
	containerOnce.Do(func() {
		globalContainer = &Container{
			services: make(map[string]interface{}),
		}
	})
	return globalContainer
}

// Register 注册一个服务实例，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

// Get 按名称取回服务实例，不存在时返回nil
func (c *Container) Get(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.services[name]
}

// Has 检查服务是否已注册
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.services[name]
	return ok
}

// GetNames 返回所有已注册服务的名称
func (c *Container) GetNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	return names
}
