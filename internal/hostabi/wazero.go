package hostabi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/latticerun/modrunner/internal/module"
)

// HostModuleName is the import namespace every compiled module links
// against for the capability catalogue.
const HostModuleName = "plaid"

type envKeyType struct{}

var envKey = envKeyType{}

// WithEnv attaches the invocation's Env to ctx so host functions, which are
// registered once per Host and shared across every instantiation, can
// recover per-call state. The executor calls this immediately before
// invoking a guest entrypoint.
func WithEnv(ctx context.Context, env *module.Env) context.Context {
	return context.WithValue(ctx, envKey, env)
}

func envFromCtx(ctx context.Context) (*module.Env, error) {
	env, ok := ctx.Value(envKey).(*module.Env)
	if !ok || env == nil {
		return nil, ErrInternalError
	}
	return env, nil
}

// FunctionNames enumerates every capability exported under HostModuleName,
// the closed catalogue the loader's import validation checks guest imports
// against (spec.md §4.1: unknown non-reserved imports fail linking).
var FunctionNames = []string{
	"print_debug_string", "set_error_context", "get_time", "fetch_random_bytes",
	"insert", "get", "delete", "list_keys",
	"insert_shared", "get_shared", "delete_shared",
	"cache_insert", "cache_get",
	"make_named_request", "log_back",
	"set_response", "get_response",
	"get_headers", "get_query_params", "get_secrets", "get_accessory_data",
	"aes_encrypt_local", "aes_decrypt_local", "issue_jwt",
}

// IsKnownFunction reports whether name is one of the host functions exported
// under HostModuleName.
func IsKnownFunction(name string) bool {
	for _, n := range FunctionNames {
		if n == name {
			return true
		}
	}
	return false
}

// Instantiate registers the full host function catalogue on a wazero
// runtime, returning the compiled host module ready to be a dependency of
// every guest module's instantiation config.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Closer, error) {
	b := rt.NewHostModuleBuilder(HostModuleName)

	b.NewFunctionBuilder().WithFunc(h.hfPrintDebugString).Export("print_debug_string")
	b.NewFunctionBuilder().WithFunc(h.hfSetErrorContext).Export("set_error_context")
	b.NewFunctionBuilder().WithFunc(h.hfGetTime).Export("get_time")
	b.NewFunctionBuilder().WithFunc(h.hfFetchRandomBytes).Export("fetch_random_bytes")

	b.NewFunctionBuilder().WithFunc(h.hfInsert).Export("insert")
	b.NewFunctionBuilder().WithFunc(h.hfGet).Export("get")
	b.NewFunctionBuilder().WithFunc(h.hfDelete).Export("delete")
	b.NewFunctionBuilder().WithFunc(h.hfListKeys).Export("list_keys")

	b.NewFunctionBuilder().WithFunc(h.hfInsertShared).Export("insert_shared")
	b.NewFunctionBuilder().WithFunc(h.hfGetShared).Export("get_shared")
	b.NewFunctionBuilder().WithFunc(h.hfDeleteShared).Export("delete_shared")

	b.NewFunctionBuilder().WithFunc(h.hfCacheInsert).Export("cache_insert")
	b.NewFunctionBuilder().WithFunc(h.hfCacheGet).Export("cache_get")

	b.NewFunctionBuilder().WithFunc(h.hfMakeNamedRequest).Export("make_named_request")
	b.NewFunctionBuilder().WithFunc(h.hfLogBack).Export("log_back")

	b.NewFunctionBuilder().WithFunc(h.hfSetResponse).Export("set_response")
	b.NewFunctionBuilder().WithFunc(h.hfGetResponse).Export("get_response")

	b.NewFunctionBuilder().WithFunc(h.hfGetHeaders).Export("get_headers")
	b.NewFunctionBuilder().WithFunc(h.hfGetQueryParams).Export("get_query_params")
	b.NewFunctionBuilder().WithFunc(h.hfGetSecrets).Export("get_secrets")
	b.NewFunctionBuilder().WithFunc(h.hfGetAccessoryData).Export("get_accessory_data")

	b.NewFunctionBuilder().WithFunc(h.hfAESEncryptLocal).Export("aes_encrypt_local")
	b.NewFunctionBuilder().WithFunc(h.hfAESDecryptLocal).Export("aes_decrypt_local")
	b.NewFunctionBuilder().WithFunc(h.hfIssueJWT).Export("issue_jwt")

	return b.Instantiate(ctx)
}

func memOf(mod api.Module) GuestMemory { return mod.Memory() }

func (h *Host) hfPrintDebugString(ctx context.Context, mod api.Module, paramsPtr, paramsLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	msg, err := ReadUTF8Params(memOf(mod), paramsPtr, paramsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	h.PrintDebugString(env, msg)
	return 0
}

func (h *Host) hfSetErrorContext(ctx context.Context, mod api.Module, paramsPtr, paramsLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	msg, err := ReadUTF8Params(memOf(mod), paramsPtr, paramsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	h.SetErrorContext(env, msg)
	return 0
}

func (h *Host) hfGetTime(context.Context, api.Module) int64 {
	return h.GetTime()
}

func (h *Host) hfFetchRandomBytes(ctx context.Context, mod api.Module, n, returnPtr, returnCap uint32) int32 {
	buf, err := h.FetchRandomBytes(int(n))
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, buf)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfInsert(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	value, err := ReadParams(memOf(mod), valPtr, valLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	if err := h.StorageInsert(ctx, env, key, value); err != nil {
		return int32(CodeFor(err))
	}
	return 0
}

func (h *Host) hfGet(ctx context.Context, mod api.Module, keyPtr, keyLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	value, err := h.StorageGet(ctx, env, key)
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, value)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfDelete(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	if err := h.StorageDelete(ctx, env, key); err != nil {
		return int32(CodeFor(err))
	}
	return 0
}

func (h *Host) hfListKeys(ctx context.Context, mod api.Module, prefixPtr, prefixLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	prefix, err := ReadUTF8Params(memOf(mod), prefixPtr, prefixLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	keys, err := h.StorageListKeys(ctx, env, prefix)
	if err != nil {
		return int32(CodeFor(err))
	}
	encoded, err := json.Marshal(keys)
	if err != nil {
		return int32(CodeCouldNotSerialize)
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, encoded)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfInsertShared(ctx context.Context, mod api.Module, nsPtr, nsLen, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	ns, err := ReadUTF8Params(memOf(mod), nsPtr, nsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	value, err := ReadParams(memOf(mod), valPtr, valLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	if err := h.SharedStorageInsert(ctx, env, ns, key, value); err != nil {
		return int32(CodeFor(err))
	}
	return 0
}

func (h *Host) hfGetShared(ctx context.Context, mod api.Module, nsPtr, nsLen, keyPtr, keyLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	ns, err := ReadUTF8Params(memOf(mod), nsPtr, nsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	value, err := h.SharedStorageGet(ctx, env, ns, key)
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, value)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfDeleteShared(ctx context.Context, mod api.Module, nsPtr, nsLen, keyPtr, keyLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	ns, err := ReadUTF8Params(memOf(mod), nsPtr, nsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	if err := h.SharedStorageDelete(ctx, env, ns, key); err != nil {
		return int32(CodeFor(err))
	}
	return 0
}

func (h *Host) hfCacheInsert(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	value, err := ReadParams(memOf(mod), valPtr, valLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	if err := h.CacheInsert(ctx, env, key, value); err != nil {
		return int32(CodeFor(err))
	}
	return 0
}

func (h *Host) hfCacheGet(ctx context.Context, mod api.Module, keyPtr, keyLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	key, err := ReadUTF8Params(memOf(mod), keyPtr, keyLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	value, ok, err := h.CacheGet(ctx, env, key)
	if err != nil {
		return int32(CodeFor(err))
	}
	if !ok {
		return int32(CodeInternalError)
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, value)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

// namedRequestParams is the JSON envelope make_named_request's params blob
// decodes into: the structured call data a module supplies alongside the
// request name.
type namedRequestParams struct {
	Name         string            `json:"name"`
	TemplateData any               `json:"template_data"`
	Headers      map[string]string `json:"headers"`
}

func (h *Host) hfMakeNamedRequest(ctx context.Context, mod api.Module, paramsPtr, paramsLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	raw, err := ReadParams(memOf(mod), paramsPtr, paramsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	var params namedRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return int32(CodeCouldNotSerialize)
	}
	body, err := h.MakeNamedRequest(ctx, env, params.Name, params.TemplateData, params.Headers)
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, body)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfLogBack(ctx context.Context, mod api.Module, typePtr, typeLen, payloadPtr, payloadLen uint32, delayMillis uint64) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	logType, err := ReadUTF8Params(memOf(mod), typePtr, typeLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	payload, err := ReadParams(memOf(mod), payloadPtr, payloadLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	if err := h.LogBack(env, logType, payload, time.Duration(delayMillis)*time.Millisecond); err != nil {
		return int32(CodeFor(err))
	}
	return 0
}

func (h *Host) hfSetResponse(ctx context.Context, mod api.Module, paramsPtr, paramsLen uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	data, err := ReadParams(memOf(mod), paramsPtr, paramsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	h.SetResponse(env, data)
	return 0
}

func (h *Host) hfGetResponse(ctx context.Context, mod api.Module, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	data, ok := h.GetResponse(env)
	if !ok {
		return int32(CodeInternalError)
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, data)
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func accessorLookup(mod api.Module, returnPtr, returnCap uint32, v string, ok bool) int32 {
	if !ok {
		return int32(CodeInternalError)
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, []byte(v))
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfGetHeaders(ctx context.Context, mod api.Module, namePtr, nameLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	name, err := ReadUTF8Params(memOf(mod), namePtr, nameLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	v, ok := h.GetHeader(env, name)
	return accessorLookup(mod, returnPtr, returnCap, v, ok)
}

func (h *Host) hfGetQueryParams(ctx context.Context, mod api.Module, namePtr, nameLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	name, err := ReadUTF8Params(memOf(mod), namePtr, nameLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	v, ok := h.GetQueryParam(env, name)
	return accessorLookup(mod, returnPtr, returnCap, v, ok)
}

func (h *Host) hfGetSecrets(ctx context.Context, mod api.Module, namePtr, nameLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	name, err := ReadUTF8Params(memOf(mod), namePtr, nameLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	v, ok := h.GetSecret(env, name)
	return accessorLookup(mod, returnPtr, returnCap, v, ok)
}

func (h *Host) hfGetAccessoryData(ctx context.Context, mod api.Module, namePtr, nameLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	name, err := ReadUTF8Params(memOf(mod), namePtr, nameLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	v, ok := h.GetAccessoryData(env, name)
	return accessorLookup(mod, returnPtr, returnCap, v, ok)
}

func (h *Host) hfAESEncryptLocal(ctx context.Context, mod api.Module, keyIDPtr, keyIDLen, ptPtr, ptLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	keyID, err := ReadUTF8Params(memOf(mod), keyIDPtr, keyIDLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	plaintext, err := ReadParams(memOf(mod), ptPtr, ptLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	out, err := h.AESEncryptLocal(env, keyID, plaintext)
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, []byte(out))
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

func (h *Host) hfAESDecryptLocal(ctx context.Context, mod api.Module, keyIDPtr, keyIDLen, blobPtr, blobLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	keyID, err := ReadUTF8Params(memOf(mod), keyIDPtr, keyIDLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	blob, err := ReadUTF8Params(memOf(mod), blobPtr, blobLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	out, err := h.AESDecryptLocal(env, keyID, blob)
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, []byte(out))
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}

// jwtParams is the JSON envelope issue_jwt's params blob decodes into.
type jwtParams struct {
	KeyID       string         `json:"kid"`
	TTLSeconds  int64          `json:"ttl_seconds"`
	ExtraFields map[string]any `json:"extra_fields"`
}

func (h *Host) hfIssueJWT(ctx context.Context, mod api.Module, paramsPtr, paramsLen, returnPtr, returnCap uint32) int32 {
	env, err := envFromCtx(ctx)
	if err != nil {
		return int32(CodeInternalError)
	}
	raw, err := ReadParams(memOf(mod), paramsPtr, paramsLen)
	if err != nil {
		return int32(CodeFor(err))
	}
	var params jwtParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return int32(CodeCouldNotSerialize)
	}
	token, err := h.IssueJWT(env, params.KeyID, time.Duration(params.TTLSeconds)*time.Second, params.ExtraFields)
	if err != nil {
		return int32(CodeFor(err))
	}
	written, err := WriteReturn(memOf(mod), returnPtr, returnCap, []byte(token))
	if err != nil {
		return int32(CodeFor(err))
	}
	return int32(written)
}
