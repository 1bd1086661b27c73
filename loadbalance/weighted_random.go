package loadbalance

import (
	"math/rand"

	"peer-rpc/registry"
)

// WeightedRandom picks instances with probability proportional to their
// registered weight. Instances without weights fall back to uniform.
type WeightedRandom struct{}

func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{}
}

func (b *WeightedRandom) Pick(instances []registry.Instance) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstance
	}

	// 计算总权重
	total := 0
	for _, inst := range instances {
		total += inst.Weight
	}
	if total <= 0 {
		// 没配权重就退化为均匀随机
		return instances[rand.Intn(len(instances))], nil
	}

	// 生成一个随机数，范围是 0 到总权重
	r := rand.Intn(total)
	for _, inst := range instances {
		r -= inst.Weight
		if r < 0 {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandom) Name() string {
	return "WeightedRandom"
}
