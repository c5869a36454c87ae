// Package transformer runs user supplied JavaScript over readings before they
// are queued by an aggregator. Each script is bound to a routing pattern and
// must define transform(json), returning the new reading or null to drop it.
package transformer

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"

	"github.com/eddielth/oceanflow/config"
	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/model"
	"github.com/eddielth/oceanflow/routing"
)

// Manager 管理多个数据转换器，按路由模式索引
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer 表示一个数据转换器。goja运行时不支持并发调用，调用需串行
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager 创建一个新的转换器管理器
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	manager := &Manager{
		transformers: make(map[string]*Transformer),
	}

	// 为每个路由模式创建转换器
	for pattern, cfg := range configs {
		t, err := load(cfg)
		if err != nil {
			return nil, fmt.Errorf("为路由模式 %s 创建转换器失败: %w", pattern, err)
		}
		manager.transformers[routing.Normalize(pattern)] = t
		logger.Info("已为路由模式 %s 加载转换器", pattern)
	}

	return manager, nil
}

func load(cfg config.Transformer) (*Transformer, error) {
	// 优先使用配置中的脚本代码
	scriptCode := cfg.ScriptCode
	if scriptCode == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("没有提供脚本代码或脚本路径")
		}
		// 从文件加载脚本
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("无法加载脚本文件 %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	}
	return newTransformer(scriptCode, cfg.ScriptPath)
}

// newTransformer 创建一个新的转换器
func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	// 创建JavaScript运行时
	vm := goja.New()

	// 注入辅助函数
	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("解析JSON失败: %v", err)
			return nil
		}
		return data
	})

	// 格式化日期时间
	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).UTC().Format(format)
	})

	// 单位转换
	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		fromUnit = strings.ToUpper(fromUnit)
		toUnit = strings.ToUpper(toUnit)

		var celsius float64
		switch fromUnit {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value // 未知单位，返回原值
		}

		switch toUnit {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius // 未知单位，返回摄氏度
		}
	})

	// 数据验证
	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	// 执行脚本
	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("执行脚本失败: %w", err)
	}

	// 获取转换函数
	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, fmt.Errorf("脚本中没有定义 'transform' 函数")
	}
	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' 不是一个函数")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

// apply 对读数执行脚本，脚本返回null或undefined时ok为false
func (t *Transformer) apply(r model.Reading) (model.Reading, bool, error) {
	in, err := r.Marshal()
	if err != nil {
		return model.Reading{}, false, err
	}

	t.mu.Lock()
	result, err := t.transform(goja.Undefined(), t.vm.ToValue(string(in)))
	var exported interface{}
	if err == nil && !goja.IsNull(result) && !goja.IsUndefined(result) {
		exported = result.Export()
	}
	t.mu.Unlock()

	if err != nil {
		return model.Reading{}, false, fmt.Errorf("执行转换失败: %w", err)
	}
	if exported == nil {
		return model.Reading{}, false, nil
	}

	var out []byte
	if s, isString := exported.(string); isString {
		out = []byte(s)
	} else if out, err = json.Marshal(exported); err != nil {
		return model.Reading{}, false, fmt.Errorf("序列化JavaScript结果失败: %w", err)
	}

	reading, err := model.DecodeReading(out)
	if err != nil {
		return model.Reading{}, false, err
	}
	return reading, true, nil
}

// Transform 按模式顺序应用所有匹配routingKey的转换器，没有匹配的转换器时
// 原样返回读数。脚本丢弃读数时kept为false
func (m *Manager) Transform(routingKey string, r model.Reading) (out model.Reading, kept bool, err error) {
	if m == nil {
		return r, true, nil
	}

	m.mutex.RLock()
	patterns := make([]string, 0, len(m.transformers))
	for p := range m.transformers {
		if routing.Match(p, routingKey) {
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)
	matched := make([]*Transformer, 0, len(patterns))
	for _, p := range patterns {
		matched = append(matched, m.transformers[p])
	}
	m.mutex.RUnlock()

	out = r
	for i, t := range matched {
		out, kept, err = t.apply(out)
		if err != nil {
			return model.Reading{}, false, fmt.Errorf("转换器 %s: %w", patterns[i], err)
		}
		if !kept {
			logger.Debug("转换器 %s 丢弃了 %s 的读数", patterns[i], r.WavyID)
			return model.Reading{}, false, nil
		}
	}
	return out, true, nil
}

// Len 返回已加载的转换器数量
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.transformers)
}

// ReloadTransformer 重新加载指定路由模式的转换器
func (m *Manager) ReloadTransformer(pattern string, cfg config.Transformer) error {
	t, err := load(cfg)
	if err != nil {
		return fmt.Errorf("创建转换器失败: %w", err)
	}

	// 更新转换器
	m.mutex.Lock()
	m.transformers[routing.Normalize(pattern)] = t
	m.mutex.Unlock()

	logger.Info("已重新加载路由模式 %s 的转换器", pattern)
	return nil
}
