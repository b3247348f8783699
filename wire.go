package hub

import "github.com/tidwall/redcon"

// appendCommand frames args as a Redis inline array of bulk strings, the
// same encoding respclient uses for outbound commands. Building it
// ourselves (rather than issuing one respclient.Send per record) is what
// lets BinlogSender accumulate a whole batch into pendingCmd and flush it
// with a single write, per the source's str_cmd accumulation.
func appendCommand(buf []byte, args ...[]byte) []byte {
	buf = redcon.AppendArray(buf, len(args))
	for _, a := range args {
		buf = redcon.AppendBulk(buf, a)
	}
	return buf
}

func appendSet(buf, key, value []byte) []byte {
	return appendCommand(buf, []byte("set"), key, value)
}

func appendDel(buf, key []byte) []byte {
	return appendCommand(buf, []byte("del"), key)
}

func appendExpireAt(buf, key, value []byte) []byte {
	return appendCommand(buf, []byte("expireat"), key, value)
}
