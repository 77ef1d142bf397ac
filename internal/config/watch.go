package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"orrery/internal/logger"
)

// LevelListener 在 log_level 变更时被调用。
type LevelListener func(level string)

// Watcher 监听配置文件的 FS 事件，仅对 app.log_level 做热更新。
// 其余字段的改动需要重启进程才会生效。
type Watcher struct {
	v *viper.Viper

	mu        sync.RWMutex
	level     string
	listeners []LevelListener
}

// NewWatcher 读取配置文件并开始监听变更。
func NewWatcher(path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	w := &Watcher{v: v, level: currentLevel(v)}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		next := currentLevel(v)
		w.mu.Lock()
		changed := next != w.level
		w.level = next
		listeners := append([]LevelListener(nil), w.listeners...)
		w.mu.Unlock()
		if !changed {
			return
		}
		logger.Infof("配置热更新: log_level -> %s", next)
		for _, fn := range listeners {
			go func(cb LevelListener) {
				defer func() {
					if r := recover(); r != nil {
						logger.Errorf("config listener panic: %v", r)
					}
				}()
				cb(next)
			}(fn)
		}
	})
	v.WatchConfig()
	return w, nil
}

// Subscribe 注册 log_level 监听器。
func (w *Watcher) Subscribe(fn LevelListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Level 返回当前生效的日志级别。
func (w *Watcher) Level() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.level
}

func currentLevel(v *viper.Viper) string {
	level := strings.ToLower(strings.TrimSpace(v.GetString("app.log_level")))
	if level == "" {
		level = defaultAppLogLevel
	}
	return level
}
