package broker

import (
	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// messageCarrier adapts SQS message attributes to propagation.TextMapCarrier.
type messageCarrier map[string]sqstypes.MessageAttributeValue

func (c messageCarrier) Get(key string) string {
	if v, ok := c[key]; ok {
		return sdkaws.ToString(v.StringValue)
	}
	return ""
}

func (c messageCarrier) Set(key, value string) {
	c[key] = stringAttr(value)
}

func (c messageCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// mapCarrier is the read side for attributes already flattened to strings.
type mapCarrier map[string]string

func (c mapCarrier) Get(key string) string { return c[key] }
func (c mapCarrier) Set(key, value string) { c[key] = value }
func (c mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func stringAttr(v string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{
		DataType:    sdkaws.String("String"),
		StringValue: sdkaws.String(v),
	}
}
