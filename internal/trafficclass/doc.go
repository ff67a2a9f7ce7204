// Package trafficclass 将请求分类表与类别元数据（策略、分区归属、兜底行为）
// 聚合为构造期注入的不可变配置，使网关的分类/策略映射可以独立于 HTTP
// 宿主层单测。
//
// 类别作者需要：
//  1. 通过本包暴露的 Register 函数在 init() 中注册类别元数据；
//  2. 在 Rules 中补充对应的路径模式，保持前缀/全等匹配语义。
package trafficclass
