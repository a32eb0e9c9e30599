package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	smithymw "github.com/aws/smithy-go/middleware"

	"accessbridge/internal/config"
	"accessbridge/internal/faults"
	"accessbridge/internal/models"
)

// AWS error codes that cannot succeed on retry. Everything else from the
// IAM API (throttling, internal errors) is treated as transient.
var permanentAWSCodes = map[string]struct{}{
	"NoSuchEntity": {},
	"InvalidInput": {},
	"AccessDenied": {},
}

// externalRefFallback is recorded when the provider response carries no
// request id.
const externalRefFallback = "not-defined"

// policyBinder is the subset of the IAM API the executor calls. *iam.Client
// satisfies it.
type policyBinder interface {
	AttachUserPolicy(ctx context.Context, in *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, opts ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, opts ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
}

// IAMExecutor grants and revokes IAM policy attachments in target accounts.
// For each job it assumes a pre-provisioned handler role in the target
// account and attaches or detaches the entitlement policy on the principal.
type IAMExecutor struct {
	cfg       config.Config
	stsClient *sts.Client
	log       *slog.Logger

	// newBinder is swappable in tests; the default assumes the target role.
	newBinder func(ctx context.Context, accountID string) (policyBinder, error)
}

// NewIAMExecutor loads the worker's base AWS credentials and prepares the
// STS client used for cross-account role assumption.
func NewIAMExecutor(ctx context.Context, cfg config.Config, log *slog.Logger) (*IAMExecutor, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	e := &IAMExecutor{
		cfg:       cfg,
		stsClient: sts.NewFromConfig(awsCfg),
		log:       log,
	}
	e.newBinder = e.assumeTargetRole
	return e, nil
}

// Ready verifies the base credentials by resolving the caller identity.
// Used as a startup health check so a misconfigured worker fails fast.
func (e *IAMExecutor) Ready(ctx context.Context) error {
	if _, err := e.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("sts caller identity: %w", err)
	}
	return nil
}

// Execute performs the entitlement change described by the message and
// returns the AWS request id of the attach/detach call as the external
// reference.
func (e *IAMExecutor) Execute(ctx context.Context, msg models.QueueMessage) (string, error) {
	if !models.ValidAction(msg.Action) {
		return "", faults.New(faults.ExecutorPermanent, fmt.Sprintf("unsupported action %q", msg.Action))
	}
	if !models.ValidPrincipalType(msg.PrincipalType) {
		return "", faults.New(faults.ExecutorPermanent, fmt.Sprintf("unsupported principal type %q", msg.PrincipalType))
	}
	if msg.AccountID == "" || msg.Principal == "" || msg.Entitlement == "" {
		return "", faults.New(faults.ExecutorPermanent, "message missing required business fields")
	}

	binder, err := e.newBinder(ctx, msg.AccountID)
	if err != nil {
		return "", err
	}

	policyArn := policyARN(msg.AccountID, msg.Entitlement, msg.EntitlementType)
	e.log.Debug("applying entitlement change",
		"correlation_id", msg.CorrelationID,
		"account_id", msg.AccountID,
		"principal_type", msg.PrincipalType,
		"action", msg.Action)

	var md smithymw.Metadata
	switch {
	case msg.PrincipalType == models.PrincipalUser && msg.Action == models.ActionAdd:
		out, err := binder.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  aws.String(msg.Principal),
			PolicyArn: aws.String(policyArn),
		})
		if err != nil {
			return "", classifyAWS("attach user policy", err)
		}
		md = out.ResultMetadata
	case msg.PrincipalType == models.PrincipalUser && msg.Action == models.ActionRemove:
		out, err := binder.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(msg.Principal),
			PolicyArn: aws.String(policyArn),
		})
		if err != nil {
			return "", classifyAWS("detach user policy", err)
		}
		md = out.ResultMetadata
	case msg.PrincipalType == models.PrincipalRole && msg.Action == models.ActionAdd:
		out, err := binder.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(msg.Principal),
			PolicyArn: aws.String(policyArn),
		})
		if err != nil {
			return "", classifyAWS("attach role policy", err)
		}
		md = out.ResultMetadata
	default:
		out, err := binder.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(msg.Principal),
			PolicyArn: aws.String(policyArn),
		})
		if err != nil {
			return "", classifyAWS("detach role policy", err)
		}
		md = out.ResultMetadata
	}

	if requestID, ok := awsmiddleware.GetRequestIDMetadata(md); ok && requestID != "" {
		return requestID, nil
	}
	return externalRefFallback, nil
}

// assumeTargetRole exchanges the worker's base credentials for short-lived
// credentials in the target account and returns an IAM client bound to
// them. Assume-role failures are configuration problems (missing role, bad
// trust policy) and are never retried.
func (e *IAMExecutor) assumeTargetRole(ctx context.Context, accountID string) (policyBinder, error) {
	roleArn := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, e.cfg.IAMRoleName)
	out, err := e.stsClient.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String(e.cfg.IAMSessionName),
	})
	if err != nil {
		return nil, faults.Wrap(faults.ExecutorPermanent, "sts assume role", err)
	}
	creds := out.Credentials
	if creds == nil || creds.AccessKeyId == nil || creds.SecretAccessKey == nil || creds.SessionToken == nil {
		return nil, faults.New(faults.ExecutorPermanent, "sts returned incomplete credentials")
	}

	provider := credentials.NewStaticCredentialsProvider(
		*creds.AccessKeyId, *creds.SecretAccessKey, *creds.SessionToken)
	return iam.New(iam.Options{
		Region:      e.cfg.AWSRegion,
		Credentials: aws.NewCredentialsCache(provider),
	}), nil
}

// policyARN builds the policy ARN: provider-managed policies live in the
// aws namespace, customer-managed ones in the target account.
func policyARN(accountID, policyName, policyType string) string {
	if policyType == models.EntitlementDefault {
		return fmt.Sprintf("arn:aws:iam::aws:policy/%s", policyName)
	}
	return fmt.Sprintf("arn:aws:iam::%s:policy/%s", accountID, policyName)
}

// classifyAWS maps an IAM API error onto the executor taxonomy. Known
// domain error codes are permanent; any other API error (throttling,
// service unavailable) is transient. Failures that never reached the API
// are permanent and end up in manual review via the unknown-failure path.
func classifyAWS(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, permanent := permanentAWSCodes[apiErr.ErrorCode()]; permanent {
			return faults.Wrap(faults.ExecutorPermanent, fmt.Sprintf("%s: %s", op, apiErr.ErrorCode()), err)
		}
		return faults.Wrap(faults.ExecutorTransient, fmt.Sprintf("%s: %s", op, apiErr.ErrorCode()), err)
	}
	return faults.Wrap(faults.ExecutorPermanent, op, err)
}
