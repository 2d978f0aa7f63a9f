package message

import (
	"strconv"

	"github.com/google/uuid"
)

// GetTypesMethod is the method name used to derive the reply channel of a GetTypes request.
const GetTypesMethod = "GetTypes"

// ArgChannel names the channel that carries argument i of one call: {handle}_{method}_{callId}_{i}.
func ArgChannel(handle uuid.UUID, method string, callID uuid.UUID, i int) string {
	return handle.String() + "_" + method + "_" + callID.String() + "_" + strconv.Itoa(i)
}

// OutChannel names the channel that carries the outcome of one call: {handle}_{method}_{callId}_out.
func OutChannel(handle uuid.UUID, method string, callID uuid.UUID) string {
	return handle.String() + "_" + method + "_" + callID.String() + "_out"
}

// EventChannel names the channel that carries the payload of one raise: {handle}_{event}_{eventId}.
func EventChannel(handle uuid.UUID, event string, eventID uuid.UUID) string {
	return handle.String() + "_" + event + "_" + eventID.String()
}

// TypesChannel names the reply channel of a GetTypes request.
func TypesChannel(callID uuid.UUID) string {
	return OutChannel(uuid.Nil, GetTypesMethod, callID)
}
