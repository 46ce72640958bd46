package amqp10

import "github.com/Azure/go-amqp"

const renewLockDescriptor uint64 = 0x77

// DescribedRenewLockBody builds the amqp-value body for a renew-lock
// management request: described(0x77, map{"lock-tokens": array<uuid>[wire]}),
// per spec.md section 6.
func DescribedRenewLockBody(wireToken [16]byte) amqp.DescribedType {
	var uuid amqp.UUID
	copy(uuid[:], wireToken[:])
	return amqp.DescribedType{
		Descriptor: renewLockDescriptor,
		Value: map[string]any{
			"lock-tokens": []amqp.UUID{uuid},
		},
	}
}
