package protocol

// 帧内 err_code 的取值，0 表示成功
const (
	CodeOK int32 = 0

	CodePeerClosed int32 = 10000000 + iota - 1
	CodeFailedConnect
	CodeFailedGetReply
	CodeFailedDeserialize
	CodeFailedSerialize
	CodeFailedEncode
	CodeFailedDecode
	CodeRPCCallTimeout
	CodeServiceNotFound
	CodeMethodNotFound
	CodeParseServiceName
	CodeRPCChannelInit
	CodeRPCPeerAddr
)

var codeText = map[int32]string{
	CodeOK:                "ok",
	CodePeerClosed:        "peer closed",
	CodeFailedConnect:     "failed to connect",
	CodeFailedGetReply:    "failed to get reply",
	CodeFailedDeserialize: "failed to deserialize",
	CodeFailedSerialize:   "failed to serialize",
	CodeFailedEncode:      "failed to encode",
	CodeFailedDecode:      "failed to decode",
	CodeRPCCallTimeout:    "rpc call timeout",
	CodeServiceNotFound:   "service not found",
	CodeMethodNotFound:    "method not found",
	CodeParseServiceName:  "failed to parse service name",
	CodeRPCChannelInit:    "rpc channel not initialized",
	CodeRPCPeerAddr:       "invalid peer address",
}

// CodeText 返回错误码的简短描述，未知码返回空串
func CodeText(code int32) string {
	return codeText[code]
}
