package scep

import "encoding/asn1"

// SCEP signed-attribute OIDs, per draft-nourse-scep §3.2. Bound as
// constants rather than passed around as strings, since the whole codec
// keys attribute lookups off of them.
var (
	oidMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
)

// oidSigningTime is the PKCS#9 signingTime attribute, RFC 2985 §5.4.2 (not
// part of the id-scep arc above; CMS signers carry it as a plain
// authenticated attribute alongside the SCEP-specific ones).
var oidSigningTime = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
