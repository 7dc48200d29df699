// Package dynamotest provides an in-memory DynamoDB for unit tests.
//
// It understands the small expression subset the stores use: SET/REMOVE
// updates with "x = x + :n" counters, and conditions/filters built from
// =, <, attribute_exists, attribute_not_exists, AND, OR and parentheses.
// Queries run against indexes declared with AddIndex.
// NOTE: This is intentionally minimal and not production-grade.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Mock is a concurrency-safe in-memory DynamoDB keyed by a single string
// partition key per table.
type Mock struct {
	mu      sync.Mutex
	pks     map[string]string
	tables  map[string]map[string]map[string]types.AttributeValue
	indexes map[string]string // "table/index" -> partition key attribute

	// PageSize, when > 0, limits Query pages so pagination is exercised.
	PageSize int
	// Err, when set, is returned by every call.
	Err error

	TransactCalls int
	UpdateCalls   int
	QueryCalls    int
}

// New returns a Mock. pks maps table name to partition key attribute.
func New(pks map[string]string) *Mock {
	m := &Mock{
		pks:     pks,
		tables:  map[string]map[string]map[string]types.AttributeValue{},
		indexes: map[string]string{},
	}
	for t := range pks {
		m.tables[t] = map[string]map[string]types.AttributeValue{}
	}
	return m
}

// AddIndex declares a global secondary index on table. Items lacking
// partitionKey are absent from the index, as with a sparse GSI.
func (m *Mock) AddIndex(table, index, partitionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[table+"/"+index] = partitionKey
}

// Seed stores item directly, bypassing conditions.
func (m *Mock) Seed(table string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := m.pkOf(table, item)
	if err != nil {
		panic(err)
	}
	m.tables[table][pk] = copyItem(item)
}

// Item returns a copy of the stored item, or nil.
func (m *Mock) Item(table, pk string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.tables[table][pk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Count returns the number of items in table.
func (m *Mock) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *Mock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	table := *params.TableName
	pk, err := m.pkOf(table, params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := Eval(deref(params.ConditionExpression), m.tables[table][pk], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	m.tables[table][pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *Mock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	table := *params.TableName
	pk, err := m.pkOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *Mock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	table := *params.TableName
	pk, err := m.pkOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	current := m.tables[table][pk]
	ok, err := Eval(deref(params.ConditionExpression), current, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(params.Key)
	}
	if err := applyUpdate(next, deref(params.UpdateExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.tables[table][pk] = next
	return &dyn.UpdateItemOutput{Attributes: copyItem(next)}, nil
}

func (m *Mock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransactCalls++
	if m.Err != nil {
		return nil, m.Err
	}

	// First pass: verify condition expressions
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, it := range params.TransactItems {
		table, pk, cond, names, values, err := m.describe(it)
		if err != nil {
			return nil, err
		}
		ok, err := Eval(cond, m.tables[table][pk], names, values)
		if err != nil {
			return nil, err
		}
		code := "None"
		if !ok {
			code = "ConditionalCheckFailed"
			failed = true
		}
		reasons[i] = types.CancellationReason{Code: strPtr(code)}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	// Second pass: apply
	for _, it := range params.TransactItems {
		switch {
		case it.Put != nil:
			table := *it.Put.TableName
			pk, _ := m.pkOf(table, it.Put.Item)
			m.tables[table][pk] = copyItem(it.Put.Item)
		case it.Update != nil:
			table := *it.Update.TableName
			pk, _ := m.pkOf(table, it.Update.Key)
			next := copyItem(m.tables[table][pk])
			if next == nil {
				next = copyItem(it.Update.Key)
			}
			if err := applyUpdate(next, deref(it.Update.UpdateExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
			m.tables[table][pk] = next
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// Query reads a declared index. The key condition and filter are both
// evaluated per item; sort order is by table key, not index sort key.
func (m *Mock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	table := *params.TableName
	indexKey := ""
	if params.IndexName != nil {
		var ok bool
		if indexKey, ok = m.indexes[table+"/"+*params.IndexName]; !ok {
			return nil, fmt.Errorf("dynamotest: table %q has no index %q", table, *params.IndexName)
		}
	}
	items, last, err := m.page(table, indexKey, params.ExclusiveStartKey, func(item map[string]types.AttributeValue) (bool, error) {
		ok, err := Eval(deref(params.KeyConditionExpression), item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil || !ok {
			return ok, err
		}
		return Eval(deref(params.FilterExpression), item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	})
	if err != nil {
		return nil, err
	}
	return &dyn.QueryOutput{Items: items, LastEvaluatedKey: last}, nil
}

// page walks table in key order, skipping items without indexKey when set.
// Callers hold m.mu.
func (m *Mock) page(table, indexKey string, startKey map[string]types.AttributeValue, match func(map[string]types.AttributeValue) (bool, error)) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	pkName := m.pks[table]

	keys := make([]string, 0, len(m.tables[table]))
	for k, item := range m.tables[table] {
		if indexKey != "" {
			if _, ok := item[indexKey]; !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if startKey != nil {
		last := startKey[pkName].(*types.AttributeValueMemberS).Value
		start = sort.SearchStrings(keys, last)
		if start < len(keys) && keys[start] == last {
			start++
		}
	}
	end := len(keys)
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
	}

	var items []map[string]types.AttributeValue
	for _, k := range keys[start:end] {
		item := m.tables[table][k]
		ok, err := match(item)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			items = append(items, copyItem(item))
		}
	}
	var last map[string]types.AttributeValue
	if end < len(keys) {
		last = map[string]types.AttributeValue{pkName: &types.AttributeValueMemberS{Value: keys[end-1]}}
	}
	return items, last, nil
}

func (m *Mock) describe(it types.TransactWriteItem) (table, pk, cond string, names map[string]string, values map[string]types.AttributeValue, err error) {
	switch {
	case it.Put != nil:
		table = *it.Put.TableName
		pk, err = m.pkOf(table, it.Put.Item)
		return table, pk, deref(it.Put.ConditionExpression), it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues, err
	case it.Update != nil:
		table = *it.Update.TableName
		pk, err = m.pkOf(table, it.Update.Key)
		return table, pk, deref(it.Update.ConditionExpression), it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues, err
	case it.ConditionCheck != nil:
		table = *it.ConditionCheck.TableName
		pk, err = m.pkOf(table, it.ConditionCheck.Key)
		return table, pk, deref(it.ConditionCheck.ConditionExpression), it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues, err
	}
	return "", "", "", nil, nil, errors.New("unsupported transact item")
}

func (m *Mock) pkOf(table string, item map[string]types.AttributeValue) (string, error) {
	name, ok := m.pks[table]
	if !ok {
		return "", fmt.Errorf("unknown table %q", table)
	}
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("missing primary key %q", name)
	}
	return v.Value, nil
}

// Eval evaluates a condition or filter expression against item. A nil item
// behaves like an absent one.
func Eval(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if parts := splitTop(expr, " OR "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := Eval(p, item, names, values)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if parts := splitTop(expr, " AND "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := Eval(p, item, names, values)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	}
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		return Eval(expr[1:len(expr)-1], item, names, values)
	}
	if inner, ok := fnArg(expr, "attribute_not_exists"); ok {
		_, exists := item[resolve(inner, names)]
		return !exists, nil
	}
	if inner, ok := fnArg(expr, "attribute_exists"); ok {
		_, exists := item[resolve(inner, names)]
		return exists, nil
	}
	if lhs, rhs, ok := strings.Cut(expr, " = "); ok {
		cur, exists := item[resolve(lhs, names)]
		return exists && compare(cur, values[strings.TrimSpace(rhs)]) == 0, nil
	}
	if lhs, rhs, ok := strings.Cut(expr, " < "); ok {
		cur, exists := item[resolve(lhs, names)]
		return exists && compare(cur, values[strings.TrimSpace(rhs)]) == -1, nil
	}
	return false, fmt.Errorf("dynamotest: unsupported expression %q", expr)
}

func applyUpdate(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	setPart, removePart := expr, ""
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		setPart, removePart = strings.TrimSpace(expr[:i]), expr[i+len("REMOVE "):]
	}
	setPart = strings.TrimSpace(strings.TrimPrefix(setPart, "SET "))
	if setPart != "" {
		for _, clause := range strings.Split(setPart, ", ") {
			lhs, rhs, ok := strings.Cut(clause, " = ")
			if !ok {
				return fmt.Errorf("dynamotest: unsupported SET clause %q", clause)
			}
			name := resolve(lhs, names)
			if base, inc, isAdd := strings.Cut(rhs, " + "); isAdd {
				a, _ := strconv.ParseInt(numberOf(item[resolve(base, names)]), 10, 64)
				b, _ := strconv.ParseInt(numberOf(values[strings.TrimSpace(inc)]), 10, 64)
				item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(a+b, 10)}
				continue
			}
			v, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return fmt.Errorf("dynamotest: missing value %q", rhs)
			}
			item[name] = v
		}
	}
	for _, n := range strings.Split(removePart, ",") {
		if n = strings.TrimSpace(n); n != "" {
			delete(item, resolve(n, names))
		}
	}
	return nil
}

func splitTop(expr, sep string) []string {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && strings.HasPrefix(expr[i:], sep) {
			parts = append(parts, expr[last:i])
			last = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(parts, expr[last:])
}

func fnArg(expr, fn string) (string, bool) {
	if !strings.HasPrefix(expr, fn+"(") || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	return expr[len(fn)+1 : len(expr)-1], true
}

func resolve(name string, names map[string]string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func compare(a, b types.AttributeValue) int {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return -2
		}
		return strings.Compare(av.Value, bv.Value)
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return -2
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return -2
		}
		return 0
	}
	return -2
}

func numberOf(v types.AttributeValue) string {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return "0"
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
