// Package demo 提供示例 Order 服务，消息使用 structpb.Struct，无需代码生成
package demo

import (
	"fmt"

	"github.com/legamerdc/tinyrpc/rpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName     = "Order"
	MakeOrderMethod = ServiceName + ".makeOrder"

	// 订单号固定，便于客户端校验
	FixedOrderID = "20230514"
	MinPrice     = 10
)

func newStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

// NewOrderRequest 构造 makeOrder 的请求
func NewOrderRequest(price float64, goods string) *structpb.Struct {
	s := newStruct()
	s.Fields["price"] = structpb.NewNumberValue(price)
	s.Fields["goods"] = structpb.NewStringValue(goods)
	return s
}

// NewResponse 返回可用于接收 makeOrder 响应的空消息
func NewResponse() *structpb.Struct { return newStruct() }

// MakeOrder 余额不足时在响应中返回业务错误，err_code 仍为 0
func MakeOrder(ctl *rpc.Controller, req, rsp *structpb.Struct) error {
	price := req.GetFields()["price"].GetNumberValue()
	goods := req.GetFields()["goods"].GetStringValue()
	if rsp.Fields == nil {
		rsp.Fields = map[string]*structpb.Value{}
	}
	if price < MinPrice {
		rsp.Fields["ret_code"] = structpb.NewNumberValue(-1)
		rsp.Fields["res_info"] = structpb.NewStringValue("short balance")
		return nil
	}
	if goods == "" {
		return rpc.NewError(-1, fmt.Sprintf("empty goods in order %s", ctl.MsgID()))
	}
	rsp.Fields["order_id"] = structpb.NewStringValue(FixedOrderID)
	return nil
}

// OrderService 返回注册了 makeOrder 的服务
func OrderService() *rpc.ServiceDesc {
	return rpc.NewService(ServiceName).Handle(
		rpc.Unary("makeOrder", newStruct, newStruct, MakeOrder),
	)
}
