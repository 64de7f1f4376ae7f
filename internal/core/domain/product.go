package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Product Deployment Status
// =============================================================================

type ProductStatus string

const (
	ProductStatusDeploying        ProductStatus = "deploying"
	ProductStatusRunning          ProductStatus = "running"
	ProductStatusPartiallyRunning ProductStatus = "partially_running"
	ProductStatusFailed           ProductStatus = "failed"
	ProductStatusUpgrading        ProductStatus = "upgrading"
	ProductStatusRemoving         ProductStatus = "removing"
	ProductStatusRemoved          ProductStatus = "removed"
)

// IsTerminal reports whether the product has been removed.
func (s ProductStatus) IsTerminal() bool {
	return s == ProductStatusRemoved
}

// IsSettled reports whether no orchestrator sequence is in flight.
func (s ProductStatus) IsSettled() bool {
	switch s {
	case ProductStatusRunning, ProductStatusPartiallyRunning, ProductStatusFailed:
		return true
	}
	return false
}

// StackStatus is the status of one stack entry inside a product deployment.
type StackStatus string

const (
	StackStatusPending   StackStatus = "pending"
	StackStatusDeploying StackStatus = "deploying"
	StackStatusRunning   StackStatus = "running"
	StackStatusFailed    StackStatus = "failed"
	StackStatusRemoving  StackStatus = "removing"
	StackStatusRemoved   StackStatus = "removed"
)

// =============================================================================
// Types
// =============================================================================

// ProductStack is one ordered stack entry. DeploymentID references a
// Deployment; the product never owns or deletes it.
type ProductStack struct {
	Order          int               `json:"order"`
	StackID        string            `json:"stack_id"`
	StackName      string            `json:"stack_name"`
	StackVersion   string            `json:"stack_version,omitempty"`
	DeploymentID   string            `json:"deployment_id,omitempty"`
	Status         StackStatus       `json:"status"`
	IsNewInUpgrade bool              `json:"is_new_in_upgrade,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ServiceCount   int               `json:"service_count"`
}

// StackSpec describes a stack to place in a product deployment.
type StackSpec struct {
	Order        int
	StackID      string
	StackName    string
	StackVersion string
	Variables    map[string]string
}

// ProductTarget is the product version an upgrade moves to.
type ProductTarget struct {
	ProductID       string
	ProductVersion  string
	Stacks          []StackSpec
	SharedVariables map[string]string
}

// ProductUpgradeSnapshot is the pre-upgrade product state kept for rollback.
type ProductUpgradeSnapshot struct {
	ProductID       string            `json:"product_id"`
	ProductVersion  string            `json:"product_version"`
	Stacks          []ProductStack    `json:"stacks"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	CapturedAt      time.Time         `json:"captured_at"`
}

// Target converts the snapshot back into an upgrade target.
func (s ProductUpgradeSnapshot) Target() ProductTarget {
	t := ProductTarget{
		ProductID:       s.ProductID,
		ProductVersion:  s.ProductVersion,
		SharedVariables: copyVariables(s.SharedVariables),
	}
	for _, st := range s.Stacks {
		t.Stacks = append(t.Stacks, StackSpec{
			Order:        st.Order,
			StackID:      st.StackID,
			StackName:    st.StackName,
			StackVersion: st.StackVersion,
			Variables:    copyVariables(st.Variables),
		})
	}
	return t
}

// ProductDeployment sequences the deployments of a multi-stack product.
type ProductDeployment struct {
	outbox

	ID              string                  `json:"id"`
	EnvironmentID   string                  `json:"environment_id"`
	ProductGroupID  string                  `json:"product_group_id"`
	ProductID       string                  `json:"product_id"`
	ProductName     string                  `json:"product_name"`
	ProductVersion  string                  `json:"product_version"`
	Status          ProductStatus           `json:"status"`
	Stacks          []ProductStack          `json:"stacks"`
	SharedVariables map[string]string       `json:"shared_variables,omitempty"`
	ContinueOnError bool                    `json:"continue_on_error"`
	TotalStacks     int                     `json:"total_stacks"`
	CompletedStacks int                     `json:"completed_stacks"`
	FailedStacks    int                     `json:"failed_stacks"`
	PendingUpgrade  *ProductUpgradeSnapshot `json:"pending_upgrade,omitempty"`
	ErrorMessage    string                  `json:"error_message,omitempty"`
	CreatedBy       string                  `json:"created_by,omitempty"`
	Version         int                     `json:"version"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	RemovedAt       *time.Time              `json:"removed_at,omitempty"`
}

// ProductParams are the inputs for NewProductDeployment.
type ProductParams struct {
	ID              string
	EnvironmentID   string
	ProductGroupID  string
	ProductID       string
	ProductName     string
	ProductVersion  string
	UserID          string
	Stacks          []StackSpec
	SharedVariables map[string]string
	ContinueOnError bool
}

// NewProductDeployment creates a product deployment in the deploying state
// with every stack pending, ordered by ascending Order.
func NewProductDeployment(p ProductParams) (*ProductDeployment, error) {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return nil, NewDomainError("NewProductDeployment", "", "id is required", ErrMissingField)
	case strings.TrimSpace(p.EnvironmentID) == "":
		return nil, NewDomainError("NewProductDeployment", p.ID, "environment id is required", ErrMissingField)
	case strings.TrimSpace(p.ProductID) == "":
		return nil, NewDomainError("NewProductDeployment", p.ID, "product id is required", ErrMissingField)
	case strings.TrimSpace(p.ProductName) == "":
		return nil, NewDomainError("NewProductDeployment", p.ID, "product name is required", ErrMissingField)
	}
	stacks, err := buildStackEntries("NewProductDeployment", p.ID, p.Stacks, nil)
	if err != nil {
		return nil, err
	}

	groupID := p.ProductGroupID
	if groupID == "" {
		groupID = p.ProductName
	}

	now := time.Now().UTC()
	pd := &ProductDeployment{
		ID:              p.ID,
		EnvironmentID:   p.EnvironmentID,
		ProductGroupID:  groupID,
		ProductID:       p.ProductID,
		ProductName:     p.ProductName,
		ProductVersion:  p.ProductVersion,
		Status:          ProductStatusDeploying,
		Stacks:          stacks,
		SharedVariables: copyVariables(p.SharedVariables),
		ContinueOnError: p.ContinueOnError,
		TotalStacks:     len(stacks),
		CreatedBy:       p.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	pd.record(NewEvent(EventProductDeployStarted, pd.ID, map[string]string{
		"product_name": pd.ProductName,
		"stacks":       strconv.Itoa(pd.TotalStacks),
	}))
	return pd, nil
}

// buildStackEntries validates specs and returns pending entries in ascending
// order. When previous is given, entries absent from it are flagged new and
// entries present inherit the previous deployment reference.
func buildStackEntries(op, id string, specs []StackSpec, previous map[string]ProductStack) ([]ProductStack, error) {
	if len(specs) == 0 {
		return nil, NewDomainError(op, id, "at least one stack is required", ErrNoStacks)
	}
	seen := make(map[string]bool, len(specs))
	entries := make([]ProductStack, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s.StackName) == "" {
			return nil, NewDomainError(op, id, "stack name is required", ErrMissingField)
		}
		if seen[s.StackName] {
			return nil, NewDomainError(op, id, "stack "+s.StackName+" appears more than once", ErrDuplicateStack)
		}
		seen[s.StackName] = true

		entry := ProductStack{
			Order:        s.Order,
			StackID:      s.StackID,
			StackName:    s.StackName,
			StackVersion: s.StackVersion,
			Status:       StackStatusPending,
			Variables:    copyVariables(s.Variables),
		}
		if previous != nil {
			if prev, ok := previous[s.StackName]; ok {
				entry.DeploymentID = prev.DeploymentID
				entry.ServiceCount = prev.ServiceCount
			} else {
				entry.IsNewInUpgrade = true
			}
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Order < entries[j].Order
	})
	return entries, nil
}

// =============================================================================
// Queries
// =============================================================================

// Stack returns the named stack entry.
func (p *ProductDeployment) Stack(name string) (ProductStack, bool) {
	i := p.stackIndex(name)
	if i < 0 {
		return ProductStack{}, false
	}
	return p.Stacks[i], true
}

// StacksInDeployOrder returns the stack entries in ascending order.
func (p *ProductDeployment) StacksInDeployOrder() []ProductStack {
	out := make([]ProductStack, len(p.Stacks))
	copy(out, p.Stacks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// StacksInRemovalOrder returns the stack entries in descending order.
func (p *ProductDeployment) StacksInRemovalOrder() []ProductStack {
	out := make([]ProductStack, len(p.Stacks))
	copy(out, p.Stacks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order > out[j].Order })
	return out
}

func (p *ProductDeployment) stackIndex(name string) int {
	for i, s := range p.Stacks {
		if s.StackName == name {
			return i
		}
	}
	return -1
}

func (p *ProductDeployment) touch() {
	p.UpdatedAt = time.Now().UTC()
}

func (p *ProductDeployment) requireSequence(op string) error {
	if p.Status == ProductStatusRemoved {
		return NewDomainError(op, p.ID, "product deployment is removed", ErrProductRemoved)
	}
	if p.Status != ProductStatusDeploying && p.Status != ProductStatusUpgrading {
		return NewDomainError(op, p.ID, "no deploy or upgrade in progress (status "+string(p.Status)+")", ErrInvalidTransition)
	}
	return nil
}

// =============================================================================
// Deploy / Upgrade Sequence
// =============================================================================

// BeginStack marks a pending stack entry as deploying.
func (p *ProductDeployment) BeginStack(name string) error {
	if err := p.requireSequence("BeginStack"); err != nil {
		return err
	}
	i := p.stackIndex(name)
	if i < 0 {
		return NewDomainError("BeginStack", p.ID, "stack "+name+" not found", ErrStackNotFound)
	}
	p.Stacks[i].Status = StackStatusDeploying
	p.Stacks[i].ErrorMessage = ""
	p.touch()
	return nil
}

// CompleteStack records a successful stack deployment.
func (p *ProductDeployment) CompleteStack(name, deploymentID string, serviceCount int) error {
	if err := p.requireSequence("CompleteStack"); err != nil {
		return err
	}
	i := p.stackIndex(name)
	if i < 0 {
		return NewDomainError("CompleteStack", p.ID, "stack "+name+" not found", ErrStackNotFound)
	}
	p.Stacks[i].Status = StackStatusRunning
	p.Stacks[i].DeploymentID = deploymentID
	p.Stacks[i].ServiceCount = serviceCount
	p.Stacks[i].ErrorMessage = ""
	p.CompletedStacks++
	p.touch()
	p.record(NewEvent(EventProductStackCompleted, p.ID, map[string]string{
		"stack_name":    name,
		"deployment_id": deploymentID,
	}))
	return nil
}

// FailStack records a failed stack deployment. deploymentID may be empty
// when the failure happened before a deployment existed.
func (p *ProductDeployment) FailStack(name, deploymentID, reason string) error {
	if err := p.requireSequence("FailStack"); err != nil {
		return err
	}
	i := p.stackIndex(name)
	if i < 0 {
		return NewDomainError("FailStack", p.ID, "stack "+name+" not found", ErrStackNotFound)
	}
	p.Stacks[i].Status = StackStatusFailed
	if deploymentID != "" {
		p.Stacks[i].DeploymentID = deploymentID
	}
	p.Stacks[i].ErrorMessage = reason
	p.FailedStacks++
	p.touch()
	p.record(NewEvent(EventProductStackFailed, p.ID, map[string]string{
		"stack_name": name,
		"reason":     reason,
	}))
	return nil
}

// FinishDeployment settles the product status once the sequence has ended.
// aborted is true when a strict-mode failure stopped the sequence early;
// the product is then failed and unprocessed stacks stay pending.
func (p *ProductDeployment) FinishDeployment(aborted bool) error {
	if err := p.requireSequence("FinishDeployment"); err != nil {
		return err
	}

	running := 0
	for _, s := range p.Stacks {
		if s.Status == StackStatusRunning {
			running++
		}
	}

	switch {
	case aborted:
		p.Status = ProductStatusFailed
	default:
		p.Status = statusFromCounts(running, len(p.Stacks))
	}

	if p.Status == ProductStatusRunning {
		p.PendingUpgrade = nil
		p.ErrorMessage = ""
	} else {
		p.ErrorMessage = strconv.Itoa(len(p.Stacks)-running) + " of " + strconv.Itoa(len(p.Stacks)) + " stacks not running"
	}

	p.touch()
	now := p.UpdatedAt
	p.CompletedAt = &now
	p.record(NewEvent(EventProductDeployFinished, p.ID, map[string]string{
		"status":  string(p.Status),
		"aborted": strconv.FormatBool(aborted),
	}))
	return nil
}

// statusFromCounts: all running → running, none → failed, otherwise partial.
func statusFromCounts(running, total int) ProductStatus {
	switch {
	case total > 0 && running == total:
		return ProductStatusRunning
	case running == 0:
		return ProductStatusFailed
	default:
		return ProductStatusPartiallyRunning
	}
}

// StartUpgrade moves a settled product to upgrading against target. It
// captures a rollback snapshot and returns the entries the target drops;
// the caller removes their deployments.
func (p *ProductDeployment) StartUpgrade(target ProductTarget) ([]ProductStack, error) {
	return p.startUpgrade("StartUpgrade", target, true)
}

func (p *ProductDeployment) startUpgrade(op string, target ProductTarget, captureSnapshot bool) ([]ProductStack, error) {
	if p.Status == ProductStatusRemoved {
		return nil, NewDomainError(op, p.ID, "product deployment is removed", ErrProductRemoved)
	}
	if !p.Status.IsSettled() {
		return nil, NewDomainError(op, p.ID, "cannot upgrade while "+string(p.Status), ErrInvalidTransition)
	}
	if strings.TrimSpace(target.ProductID) == "" {
		return nil, NewDomainError(op, p.ID, "target product id is required", ErrMissingField)
	}

	previous := make(map[string]ProductStack, len(p.Stacks))
	for _, s := range p.Stacks {
		previous[s.StackName] = s
	}
	entries, err := buildStackEntries(op, p.ID, target.Stacks, previous)
	if err != nil {
		return nil, err
	}

	var dropped []ProductStack
	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		keep[e.StackName] = true
	}
	for _, s := range p.StacksInRemovalOrder() {
		if !keep[s.StackName] {
			dropped = append(dropped, s)
		}
	}

	now := time.Now().UTC()
	if captureSnapshot {
		stacks := make([]ProductStack, len(p.Stacks))
		copy(stacks, p.Stacks)
		p.PendingUpgrade = &ProductUpgradeSnapshot{
			ProductID:       p.ProductID,
			ProductVersion:  p.ProductVersion,
			Stacks:          stacks,
			SharedVariables: copyVariables(p.SharedVariables),
			CapturedAt:      now,
		}
	}

	from := p.ProductVersion
	p.ProductID = target.ProductID
	p.ProductVersion = target.ProductVersion
	if target.SharedVariables != nil {
		p.SharedVariables = copyVariables(target.SharedVariables)
	}
	p.Stacks = entries
	p.TotalStacks = len(entries)
	p.CompletedStacks = 0
	p.FailedStacks = 0
	p.ErrorMessage = ""
	p.CompletedAt = nil
	p.Status = ProductStatusUpgrading
	p.UpdatedAt = now
	p.record(NewEvent(EventProductUpgradeStarted, p.ID, map[string]string{
		"from_version": from,
		"to_version":   target.ProductVersion,
		"dropped":      strconv.Itoa(len(dropped)),
	}))
	return dropped, nil
}

// CanRollback reports whether an unsuccessful upgrade has a snapshot to return to.
func (p *ProductDeployment) CanRollback() bool {
	if p.PendingUpgrade == nil {
		return false
	}
	return p.Status == ProductStatusFailed || p.Status == ProductStatusPartiallyRunning
}

// StartRollback begins an upgrade back to the pre-upgrade snapshot. The
// snapshot is kept until the rollback reaches running.
func (p *ProductDeployment) StartRollback() (ProductUpgradeSnapshot, []ProductStack, error) {
	if !p.CanRollback() {
		return ProductUpgradeSnapshot{}, nil, NewDomainError("StartRollback", p.ID, "no pending upgrade snapshot", ErrNoRollbackAvailable)
	}
	snapshot := *p.PendingUpgrade
	dropped, err := p.startUpgrade("StartRollback", snapshot.Target(), false)
	if err != nil {
		return ProductUpgradeSnapshot{}, nil, err
	}
	return snapshot, dropped, nil
}

// =============================================================================
// Removal
// =============================================================================

// StartRemoval moves the product to removing. Entries without a deployment
// are marked removed immediately; the rest are returned in descending order.
func (p *ProductDeployment) StartRemoval() ([]ProductStack, error) {
	if p.Status == ProductStatusRemoved {
		return nil, NewDomainError("StartRemoval", p.ID, "product deployment is removed", ErrProductRemoved)
	}
	var toRemove []ProductStack
	for _, s := range p.StacksInRemovalOrder() {
		i := p.stackIndex(s.StackName)
		if s.DeploymentID == "" {
			p.Stacks[i].Status = StackStatusRemoved
			continue
		}
		p.Stacks[i].Status = StackStatusRemoving
		toRemove = append(toRemove, p.Stacks[i])
	}
	p.Status = ProductStatusRemoving
	p.touch()
	p.record(NewEvent(EventProductRemovalStarted, p.ID, map[string]string{
		"stacks": strconv.Itoa(len(toRemove)),
	}))
	return toRemove, nil
}

// MarkStackRemoved records that a stack's deployment has been removed.
func (p *ProductDeployment) MarkStackRemoved(name string) error {
	return p.settleRemoval("MarkStackRemoved", name, StackStatusRemoved, "")
}

// MarkStackRemovalFailed records a failed stack removal. Removal still proceeds.
func (p *ProductDeployment) MarkStackRemovalFailed(name, reason string) error {
	return p.settleRemoval("MarkStackRemovalFailed", name, StackStatusFailed, reason)
}

func (p *ProductDeployment) settleRemoval(op, name string, status StackStatus, reason string) error {
	if p.Status != ProductStatusRemoving {
		return NewDomainError(op, p.ID, "product is not being removed", ErrInvalidTransition)
	}
	i := p.stackIndex(name)
	if i < 0 {
		return NewDomainError(op, p.ID, "stack "+name+" not found", ErrStackNotFound)
	}
	p.Stacks[i].Status = status
	p.Stacks[i].ErrorMessage = reason
	p.touch()
	return nil
}

// CompleteRemoval ends the product lifecycle regardless of individual failures.
func (p *ProductDeployment) CompleteRemoval() error {
	if p.Status != ProductStatusRemoving {
		return NewDomainError("CompleteRemoval", p.ID, "product is not being removed", ErrInvalidTransition)
	}
	failed := 0
	for _, s := range p.Stacks {
		if s.Status == StackStatusFailed {
			failed++
		}
	}
	p.Status = ProductStatusRemoved
	p.PendingUpgrade = nil
	if failed > 0 {
		p.ErrorMessage = strconv.Itoa(failed) + " stack removals failed"
	}
	p.touch()
	now := p.UpdatedAt
	p.RemovedAt = &now
	p.record(NewEvent(EventProductRemoved, p.ID, map[string]string{
		"failed_removals": strconv.Itoa(failed),
	}))
	return nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// Reconcile applies observed stack liveness (keyed by stack name, true = up)
// to a settled product. Only running and partially_running are touched, and
// only the transition between them is applied: a product with every stack
// down stays partially_running. Stacks missing from observed keep their
// recorded status. A stack that never got a deployment is down whatever
// observed says. It reports whether the product changed.
func (p *ProductDeployment) Reconcile(observed map[string]bool) bool {
	if p.Status != ProductStatusRunning && p.Status != ProductStatusPartiallyRunning {
		return false
	}

	changed := false
	up, total := 0, 0
	for i := range p.Stacks {
		s := &p.Stacks[i]
		if s.DeploymentID == "" {
			total++
			continue
		}
		alive, ok := observed[s.StackName]
		if !ok {
			if s.Status == StackStatusRunning {
				up++
			}
			total++
			continue
		}
		total++
		next := StackStatusFailed
		if alive {
			next = StackStatusRunning
			up++
		}
		if s.Status != next && (s.Status == StackStatusRunning || s.Status == StackStatusFailed) {
			s.Status = next
			changed = true
		}
	}

	target := ProductStatusPartiallyRunning
	if total > 0 && up == total {
		target = ProductStatusRunning
	}

	from := p.Status
	if from != target {
		p.Status = target
		changed = true
		p.record(NewEvent(EventProductStatusReconciled, p.ID, map[string]string{
			"from": string(from),
			"to":   string(target),
		}))
	}
	if changed {
		p.CompletedStacks = up
		p.FailedStacks = total - up
		p.touch()
	}
	return changed
}
