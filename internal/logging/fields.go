package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供类别/分区/策略/命中状态字段，供网关请求日志复用。
func RequestFields(class, partition, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"class":     class,
		"partition": partition,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 提供 install/activate 等生命周期转换日志的基础字段。
func LifecycleFields(transition, versionToken string) logrus.Fields {
	return logrus.Fields{
		"action":  transition,
		"version": versionToken,
	}
}
