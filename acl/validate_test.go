package acl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateForOperationRejectsLowercaseMagicIdentifier(t *testing.T) {
	_, err := ValidateForOperation(OpKindRead, `_row_.owner = _user_.id`)
	require.Error(t, err)
}

func TestValidateForOperationRejectsTopLevelComma(t *testing.T) {
	_, err := ValidateForOperation(OpKindRead, `_ROW_.owner, _ROW_.status`)
	require.Error(t, err)
}

func TestValidateForOperationAllowsCommaInsideCall(t *testing.T) {
	plan, err := ValidateForOperation(OpKindRead, `coalesce(_ROW_.owner, _USER_.id) = _USER_.id`)
	require.NoError(t, err)
	require.NotNil(t, plan)
}

func TestValidateForOperationCreateRejectsRow(t *testing.T) {
	_, err := ValidateForOperation(OpKindCreate, `_ROW_.owner = _USER_.id`)
	require.Error(t, err)
}

func TestValidateForOperationCreateAllowsReqFields(t *testing.T) {
	plan, err := ValidateForOperation(OpKindCreate, `_REQ_FIELDS_.owner = _USER_.id`)
	require.NoError(t, err)
	require.NotNil(t, plan)
}

func TestValidateForOperationReadRejectsReq(t *testing.T) {
	_, err := ValidateForOperation(OpKindRead, `_ROW_.owner = _REQ_.user_id`)
	require.Error(t, err)
}

func TestValidateForOperationReadRejectsReqFields(t *testing.T) {
	_, err := ValidateForOperation(OpKindRead, `'status' IN _REQ_FIELDS_`)
	require.Error(t, err)
}

func TestValidateForOperationDeleteRejectsReq(t *testing.T) {
	_, err := ValidateForOperation(OpKindDelete, `_ROW_.owner = _REQ_.user_id`)
	require.Error(t, err)
}

func TestValidateForOperationUpdateAllowsEveryIdentifier(t *testing.T) {
	plan, err := ValidateForOperation(OpKindUpdate, `_ROW_.owner = _USER_.id AND 'status' IN _REQ_FIELDS_ AND _REQ_.method = _REQ_.method`)
	require.NoError(t, err)
	require.NotNil(t, plan)
}

func TestValidateForOperationSchemaRejectsRowReqAndReqFields(t *testing.T) {
	_, err := ValidateForOperation(OpKindSchema, `_ROW_.owner = _USER_.id`)
	require.Error(t, err)

	_, err = ValidateForOperation(OpKindSchema, `_REQ_.method = 'GET'`)
	require.Error(t, err)

	_, err = ValidateForOperation(OpKindSchema, `'x' IN _REQ_FIELDS_`)
	require.Error(t, err)
}

func TestValidateForOperationSchemaAllowsUserOnly(t *testing.T) {
	plan, err := ValidateForOperation(OpKindSchema, `_USER_.role = 'admin'`)
	require.NoError(t, err)
	require.NotNil(t, plan)
}

func TestValidateForOperationBareReqFieldsRequiresLiteralPrefix(t *testing.T) {
	_, err := ValidateForOperation(OpKindUpdate, `_REQ_FIELDS_ = 'status'`)
	require.Error(t, err)
}

func TestValidateForOperationBareReqFieldsAcceptsMembershipForm(t *testing.T) {
	plan, err := ValidateForOperation(OpKindUpdate, `'status' IN _REQ_FIELDS_`)
	require.NoError(t, err)
	require.NotNil(t, plan)
}

func TestValidateForOperationRejectsEmptyRule(t *testing.T) {
	_, err := ValidateForOperation(OpKindRead, `   `)
	require.Error(t, err)
}
