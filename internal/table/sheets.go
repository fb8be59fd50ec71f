package table

import (
	"context"
	"fmt"
	"net/http"

	"emperror.dev/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsStore 以 Google 表格为后端：每张表一个工作表，第一行是表头
type SheetsStore struct {
	service       *sheets.Service
	spreadsheetID string
}

var _ Store = (*SheetsStore)(nil)

// NewSheetsStore 使用服务账号凭据文件连接表格
func NewSheetsStore(ctx context.Context, spreadsheetID, credentialsFile string, opts ...option.ClientOption) (*SheetsStore, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, option.WithScopes(sheets.SpreadsheetsScope))

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "创建表格客户端失败")
	}

	return &SheetsStore{
		service:       service,
		spreadsheetID: spreadsheetID,
	}, nil
}

func (s *SheetsStore) EnsureTable(ctx context.Context, table string, header Row) error {
	spreadsheet, err := s.service.Spreadsheets.Get(s.spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return errors.Wrap(err, "读取表格信息失败")
	}

	for _, sh := range spreadsheet.Sheets {
		if sh.Properties != nil && sh.Properties.Title == table {
			return nil
		}
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: table},
			},
		}},
	}
	if _, err := s.service.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return errors.Wrapf(err, "创建工作表 %s 失败", table)
	}

	_, err = s.service.Spreadsheets.Values.
		Update(s.spreadsheetID, fmt.Sprintf("%s!A1", table), toValueRange(header)).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return errors.Wrapf(err, "写入工作表 %s 表头失败", table)
	}
	return nil
}

func (s *SheetsStore) AppendRow(ctx context.Context, table string, row Row) error {
	_, err := s.service.Spreadsheets.Values.
		Append(s.spreadsheetID, fmt.Sprintf("%s!A1", table), toValueRange(row)).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return errors.Wrapf(err, "向工作表 %s 追加行失败", table)
	}
	return nil
}

func (s *SheetsStore) ReadAll(ctx context.Context, table string) ([]Row, error) {
	resp, err := s.service.Spreadsheets.Values.
		Get(s.spreadsheetID, fmt.Sprintf("%s!A2:Z", table)).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, errors.Wrapf(err, "工作表 %s 不存在", table)
		}
		return nil, errors.Wrapf(err, "读取工作表 %s 失败", table)
	}

	rows := make([]Row, 0, len(resp.Values))
	for _, values := range resp.Values {
		row := make(Row, len(values))
		for i, v := range values {
			row[i] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *SheetsStore) UpdateCell(ctx context.Context, table string, ref int, column int, value string) error {
	a1, err := cellA1(table, ref, column)
	if err != nil {
		return err
	}
	_, err = s.service.Spreadsheets.Values.
		Update(s.spreadsheetID, a1, toValueRange(Row{value})).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return errors.Wrapf(err, "更新单元格 %s 失败", a1)
	}
	return nil
}

// cellA1 数据行 ref 对应表格第 ref+2 行（第1行是表头）
func cellA1(table string, ref, column int) (string, error) {
	if ref < 0 || column < 0 || column >= 26 {
		return "", errors.Errorf("无效的单元格位置: 行%d 列%d", ref, column)
	}
	return fmt.Sprintf("%s!%c%d", table, rune('A'+column), ref+2), nil
}

func toValueRange(row Row) *sheets.ValueRange {
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	return &sheets.ValueRange{Values: [][]interface{}{values}}
}
