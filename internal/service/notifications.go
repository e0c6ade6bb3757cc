package service

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
)

// Notification types.
const (
	NotifyDelegationInvite    = "delegation_invite"
	NotifyDelegationAccepted  = "delegation_accepted"
	NotifyDelegationRejected  = "delegation_rejected"
	NotifyDelegationCancelled = "delegation_cancelled"
	NotifyApprovalRequired    = "approval_required"
	NotifyFinalApproval       = "final_approval"
	NotifyFinalApprovalCC     = "final_approval_cc"
	NotifyRequestRejected     = "request_rejected"
	NotifyRequestCancelled    = "request_cancelled"
)

const refTypeDelegation = "DELEGATION"

var moduleLabels = map[repository.ModuleType]string{
	repository.ModuleLeave:        "請假",
	repository.ModuleExpense:      "費用報銷",
	repository.ModuleSeal:         "用印",
	repository.ModuleCard:         "名片",
	repository.ModuleStationery:   "文具領用",
	repository.ModuleOvertime:     "加班",
	repository.ModuleBusinessTrip: "出差",
}

// refLink expands the {id} placeholder once the id is known.
func (o Options) refLink(path, id string) string {
	if id == "" {
		return o.link(path)
	}
	return o.link(strings.ReplaceAll(path, "{id}", id))
}

func moduleLabel(m repository.ModuleType) string {
	if l, ok := moduleLabels[m]; ok {
		return l
	}
	return string(m)
}

// delegationNotice builds a notification about a delegation. The reference id
// is left empty on creation and bound by the store.
func (o Options) delegationNotice(typ string, d *repository.Delegation, actorID string, recipients []string, title, message string) outbox.Message {
	return outbox.Notify(outbox.Notification{
		RecipientIDs: recipients,
		Type:         typ,
		Title:        title,
		Message:      message,
		RefType:      refTypeDelegation,
		RefID:        d.ID,
		Link:         o.refLink("/delegations/{id}", d.ID),
		ActorID:      actorID,
		CompanyID:    d.CompanyID,
	})
}

func (o Options) instanceNotice(typ string, inst *repository.Instance, actorID string, recipients []string, title, message string) outbox.Message {
	return outbox.Notify(outbox.Notification{
		RecipientIDs: recipients,
		Type:         typ,
		Title:        title,
		Message:      message,
		RefType:      string(inst.ModuleType),
		RefID:        inst.ID,
		Link:         o.refLink("/approvals/{id}", inst.ID),
		ActorID:      actorID,
		CompanyID:    inst.CompanyID,
	})
}

func approvalRequiredNotice(o Options, inst *repository.Instance, actorID string, recipients []string, rec *repository.ApprovalRecord) outbox.Message {
	return o.instanceNotice(NotifyApprovalRequired, inst, actorID, recipients,
		fmt.Sprintf("待簽核：%s申請", moduleLabel(inst.ModuleType)),
		fmt.Sprintf("%s申請 %s 已送達第 %d 關「%s」，請協助簽核", moduleLabel(inst.ModuleType), inst.ReferenceID, rec.StepOrder, rec.Name))
}

func decisionCallback(inst *repository.Instance, status repository.InstanceStatus) outbox.Message {
	return outbox.Callback(outbox.DecisionCallback{
		ModuleType:  string(inst.ModuleType),
		RequestID:   inst.ReferenceID,
		FinalStatus: string(status),
		InstanceID:  inst.ID,
	})
}
