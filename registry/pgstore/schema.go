package pgstore

const (
	tableThings      = "things"
	tableCredentials = "device_credentials"
	tableClaims      = "claim_credentials"
)

const thingColumns = `name, attributes, thing_type_name, thing_groups, credential_id, policy_ids, lifecycle, version, created_at, updated_at`

const credentialColumns = `id, certificate_pem, private_key_handle, status, attached_policies, created_at`

const claimColumns = `id, certificate_pem, private_key_handle, status, created_at`
